package transfer

// event is a readiness signal for one direction of the data connection.
type event int

const (
	eventRecv event = iota
	eventSend
)

// gate holds back data events while the transfer is blocked. Blocks nest;
// events seen while blocked are remembered once each and handed back, receive
// before send, when the last block is lifted.
type gate struct {
	blocks      int
	pendingRecv bool
	pendingSend bool
}

func (g *gate) blocked() bool { return g.blocks > 0 }

func (g *gate) block() { g.blocks++ }

// postpone records ev if the gate is blocked and reports whether it did.
func (g *gate) postpone(ev event) bool {
	if g.blocks == 0 {
		return false
	}
	if ev == eventRecv {
		g.pendingRecv = true
	} else {
		g.pendingSend = true
	}
	return true
}

// unblock lifts one block. When the gate opens it returns the postponed
// events in replay order and forgets them.
func (g *gate) unblock() []event {
	if g.blocks == 0 {
		return nil
	}
	g.blocks--
	if g.blocks > 0 {
		return nil
	}
	var replay []event
	if g.pendingRecv {
		replay = append(replay, eventRecv)
	}
	if g.pendingSend {
		replay = append(replay, eventSend)
	}
	g.pendingRecv, g.pendingSend = false, false
	return replay
}
