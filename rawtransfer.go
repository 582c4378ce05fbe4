package ftpengine

import (
	"fmt"
	"net"
	"strconv"

	"github.com/gonzalop/ftpengine/internal/bufpool"
	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/extip"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/options"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

type rawState int

const (
	rawInit rawState = iota
	rawType
	rawPortPasv
	rawRest
	rawTransfer
	rawWaitFinish
)

// rawTransferOp runs one command over a data connection: TYPE, the
// passive or active setup, an optional REST and the command itself. It
// completes once both the final reply and the end of the data connection
// arrived.
type rawTransferOp struct {
	state rawState
	cmd   string
	mode  transfer.Mode
	ascii bool
	// rest is sent as REST when set.
	rest int64

	reader bufpool.Reader
	writer bufpool.Writer
	sink   func([]byte) error

	passive      bool
	epsv         bool
	triedPassive bool
	triedActive  bool

	sock      *transfer.Socket
	activated bool
	reply     *Response
	ended     bool
	endReason transfer.EndReason
	endErr    error
}

func (*rawTransferOp) kind() opKind { return kindRawTransfer }

func (op *rawTransferOp) send(e *engine) result {
	switch op.state {
	case rawInit:
		op.passive = e.opts.Bool("transfer.use_pasv") && !e.forceActive
		op.state = rawType
		return proceed()

	case rawType:
		want := "I"
		if op.ascii {
			want = "A"
		}
		if e.transferType == want {
			op.state = rawPortPasv
			return proceed()
		}
		return e.sendCommand("TYPE " + want)

	case rawPortPasv:
		if op.sock == nil {
			op.sock = transfer.New(e.xfer, e.control(), &transferHost{e: e, op: op}, op.mode)
			switch {
			case op.reader != nil:
				op.sock.SetReader(op.reader, op.ascii)
			case op.writer != nil:
				op.sock.SetWriter(op.writer, op.ascii)
			}
			if op.sink != nil {
				op.sock.SetListSink(op.sink)
			}
		}
		if op.passive {
			op.triedPassive = true
			op.epsv = e.useEPSV()
			if op.epsv {
				return e.sendCommand("EPSV")
			}
			return e.sendCommand("PASV")
		}
		return op.sendPort(e)

	case rawRest:
		return e.sendCommand("REST " + strconv.FormatInt(op.rest, 10))

	case rawTransfer:
		return e.sendCommand(op.cmd)

	case rawWaitFinish:
		return suspend()
	}
	return internalError("rawtransfer: unknown state %d", op.state)
}

func (op *rawTransferOp) sendPort(e *engine) result {
	op.triedActive = true
	ip, pending := e.activeAddress(func() { e.post(e.drive) })
	if pending {
		return suspend()
	}

	port, err := op.sock.SetupActive()
	if err != nil {
		if r, ok := op.fallbackToPassive(e); ok {
			return r
		}
		return failure(fmt.Errorf("could not open listen socket: %w", err))
	}
	verb, args, err := transfer.PortCommand(ip, port)
	if err != nil {
		return failure(err)
	}
	return e.sendCommand(verb + " " + args)
}

func (op *rawTransferOp) parseResponse(e *engine, r *Response) result {
	switch op.state {
	case rawType:
		if !r.Is2xx() {
			return failure(protocolError("TYPE", r))
		}
		e.transferType = "I"
		if op.ascii {
			e.transferType = "A"
		}
		op.state = rawPortPasv
		return proceed()

	case rawPortPasv:
		if op.passive {
			return op.parsePassive(e, r)
		}
		if !r.Is2xx() {
			if r.Code == 501 || r.Code == 502 {
				e.log(logging.DebugInfo, "server refused active mode", "code", r.Code)
			}
			if res, ok := op.fallbackToPassive(e); ok {
				return res
			}
			return failure(protocolError("PORT", r))
		}
		op.afterPortPasv()
		return proceed()

	case rawRest:
		if !r.Success() {
			return failure(protocolError("REST", r))
		}
		op.state = rawTransfer
		return proceed()

	case rawTransfer, rawWaitFinish:
		if !r.Is2xx() {
			if op.sock != nil {
				_ = op.sock.Close()
			}
			return failure(protocolError(op.cmd, r))
		}
		op.activate()
		op.reply = r
		if op.ended {
			return op.finish(e)
		}
		op.state = rawWaitFinish
		return suspend()
	}
	return internalError("rawtransfer: unexpected reply in state %d", op.state)
}

func (op *rawTransferOp) parsePassive(e *engine, r *Response) result {
	if !r.Is2xx() {
		if op.epsv && (r.Code == 500 || r.Code == 501 || r.Code == 502) {
			e.log(logging.DebugInfo, "EPSV not supported, falling back to PASV")
			e.caps.Set(e.server, capabilities.EPSV, capabilities.No)
			return proceed()
		}
		if res, ok := op.fallbackToActive(e); ok {
			return res
		}
		return failure(protocolError(op.passiveCommand(), r))
	}

	var (
		host string
		port int
		err  error
	)
	if op.epsv {
		port, err = transfer.ParseEPSV(r.Message)
		host = e.dataPeer("")
	} else {
		host, port, err = transfer.ParsePASV(r.Message)
		host = e.dataPeer(host)
	}
	if err != nil {
		e.log(logging.Error, "could not parse passive reply", "reply", r.Message)
		if res, ok := op.fallbackToActive(e); ok {
			return res
		}
		return failure(err)
	}

	e.log(logging.DebugVerbose, "connecting data connection", "host", host, "port", port)
	op.sock.SetupPassive(host, port)
	op.afterPortPasv()
	return proceed()
}

func (op *rawTransferOp) passiveCommand() string {
	if op.epsv {
		return "EPSV"
	}
	return "PASV"
}

func (op *rawTransferOp) afterPortPasv() {
	if op.rest > 0 {
		op.state = rawRest
	} else {
		op.state = rawTransfer
	}
}

func (op *rawTransferOp) fallbackToActive(e *engine) (result, bool) {
	if op.triedActive || !e.opts.Bool("transfer.allow_mode_fallback") {
		return result{}, false
	}
	e.log(logging.Status, "passive mode failed, trying active mode")
	op.passive = false
	return proceed(), true
}

func (op *rawTransferOp) fallbackToPassive(e *engine) (result, bool) {
	if op.triedPassive || !e.opts.Bool("transfer.allow_mode_fallback") {
		return result{}, false
	}
	e.log(logging.Status, "active mode failed, trying passive mode")
	_ = op.sock.Close()
	op.sock = nil
	op.passive = true
	return proceed(), true
}

// preliminary starts the data flow once the server accepted the command.
func (op *rawTransferOp) preliminary(_ *engine, _ *Response) result {
	if op.state == rawTransfer {
		op.activate()
	}
	return suspend()
}

func (op *rawTransferOp) activate() {
	if op.activated || op.sock == nil {
		return
	}
	op.activated = true
	op.sock.Activate()
}

func (op *rawTransferOp) transferEnded(e *engine, reason transfer.EndReason, err error) result {
	op.ended = true
	op.endReason = reason
	op.endErr = err
	if op.reply == nil {
		// The final reply decides; wait for it.
		return suspend()
	}
	return op.finish(e)
}

func (op *rawTransferOp) finish(e *engine) result {
	switch op.endReason {
	case transfer.EndSuccessful:
		return success()
	case transfer.EndFailedTLSResumption:
		return criticalError(&TransferError{Reason: op.endReason, Err: ErrTLSResumptionRefused})
	case transfer.EndWrongTLSALPN, transfer.EndFailureCritical:
		return criticalError(&TransferError{Reason: op.endReason, Err: op.endErr})
	}
	e.log(logging.Error, "data connection failed", "reason", op.endReason, "error", op.endErr)
	return failure(&TransferError{Reason: op.endReason, Err: op.endErr})
}

func (op *rawTransferOp) close() {
	if op.sock != nil {
		_ = op.sock.Close()
	}
}

// useEPSV picks the passive command. IPv6 requires EPSV; on IPv4 it is
// used until the server rejected it once.
func (e *engine) useEPSV() bool {
	if ip := e.peerIP(); ip != nil && ip.To4() == nil {
		return true
	}
	if e.disableEPSV {
		return false
	}
	return e.caps.Get(e.server, capabilities.EPSV) != capabilities.No
}

// dataPeer returns the host a passive data connection goes to. host is
// the address from a PASV reply, empty for EPSV.
func (e *engine) dataPeer(host string) string {
	if e.dialer.Proxy.Enabled() {
		if host == "" || net.ParseIP(host).IsUnspecified() {
			return e.host
		}
		return host
	}
	peer := e.peerIP()
	if host == "" {
		if peer == nil {
			return e.host
		}
		return peer.String()
	}
	return transfer.DataHost(host, peer)
}

// activeAddress returns the address to advertise in PORT or EPRT. When
// the external address must be resolved first it returns pending and
// calls wake once the resolver finished.
func (e *engine) activeAddress(wake func()) (net.IP, bool) {
	local := e.localIP()
	if local == nil || local.To4() == nil {
		return local, false
	}

	mode := e.opts.Int("externalip.mode")
	if mode == options.ExternalIPModeLocal {
		return local, false
	}
	if e.opts.Bool("externalip.no_external_on_local") {
		if peer := e.peerIP(); peer != nil && (peer.IsPrivate() || peer.IsLoopback() || peer.IsLinkLocalUnicast()) {
			e.log(logging.DebugVerbose, "not using external address for local peer")
			return local, false
		}
	}

	switch mode {
	case options.ExternalIPModeFixed:
		if ip := net.ParseIP(e.opts.String("externalip.address")); ip != nil && ip.To4() != nil {
			return ip, false
		}
		e.log(logging.DebugWarning, "invalid external address, using local address")
		return local, false
	case options.ExternalIPModeResolver:
		if e.resolver == nil {
			return local, false
		}
		switch e.resolver.Resolve(e.opts.String("externalip.resolver_url"), extip.IPv4, false, wake) {
		case extip.Wait:
			e.log(logging.Status, "retrieving external IP address")
			return nil, true
		case extip.Done:
			if ip := net.ParseIP(e.resolver.IP()); ip != nil {
				return ip, false
			}
		}
		e.log(logging.DebugWarning, "could not resolve external address, using local address")
	}
	return local, false
}

// transferHost connects one data connection to the operation that owns
// it. Events for operations no longer on top are dropped.
type transferHost struct {
	e  *engine
	op operation
}

func (h *transferHost) Post(fn func()) { h.e.post(fn) }

func (h *transferHost) Activity(read, written int) { h.e.touch() }

func (h *transferHost) AskNoResumption(server string, answer func(bool)) {
	h.e.ask(&TLSNoResumption{Server: server}, answer)
}

func (h *transferHost) ResumptionConfirmed(server string) {
	h.e.log(logging.Status, "server supports TLS session resumption on data connections", "server", server)
}

func (h *transferHost) TransferEnded(reason transfer.EndReason, err error) {
	e := h.e
	if e.dead || !e.isTop(h.op) {
		e.log(logging.DebugVerbose, "ignoring end of stale data connection", "reason", reason)
		return
	}
	th, ok := h.op.(transferHandler)
	if !ok {
		return
	}
	e.process(th.transferEnded(e, reason, err))
}
