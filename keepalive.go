package ftpengine

import (
	"time"

	"github.com/gonzalop/ftpengine/internal/logging"
)

// keepaliveOp sends a NOOP on an idle connection.
type keepaliveOp struct{}

func (*keepaliveOp) kind() opKind { return kindCommand }

func (*keepaliveOp) send(e *engine) result {
	return e.sendCommand("NOOP")
}

func (*keepaliveOp) parseResponse(_ *engine, _ *Response) result {
	return success()
}

// startTimers runs the no-progress watchdog and the keep-alive. Both are
// checked by one ticker goroutine that exits with the engine.
func (e *engine) startTimers(timeout, keepalive time.Duration) {
	if timeout <= 0 && keepalive <= 0 {
		return
	}

	interval := time.Second
	for _, d := range []time.Duration{timeout, keepalive} {
		if d > 0 && d/4 < interval {
			interval = max(d/4, 10*time.Millisecond)
		}
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-e.ctx.Done():
				return
			}

			idle := time.Since(time.Unix(0, e.lastActivity.Load()))
			busy := e.busy.Load()
			switch {
			case busy && timeout > 0 && idle >= timeout:
				// The read error caused by the close below must not hide
				// the timeout, so it is recorded first.
				e.timedOut.Store(true)
				e.log(logging.DebugWarning, "no progress on connection", "idle", idle)
				// Closing unblocks a loop stuck in a write.
				if st := e.controlStack(); st != nil {
					_ = st.Close()
				}
				e.post(func() { e.reset(ErrTimeout) })
				return
			case !busy && keepalive > 0 && idle >= keepalive:
				e.post(e.sendKeepalive)
			}
		}
	}()
}

func (e *engine) sendKeepalive() {
	if e.dead || len(e.ops) > 0 {
		return
	}
	e.log(logging.DebugVerbose, "sending keep-alive NOOP")
	e.start(&keepaliveOp{}, func(error) {})
}
