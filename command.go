package ftpengine

import (
	"github.com/gonzalop/ftpengine/internal/logging"
)

// commandOp sends a fixed sequence of commands. Every command but the
// last must get a positive reply (2xx or 3xx); the last one must get the
// reply accept wants, 2xx by default.
type commandOp struct {
	cmds   []string
	next   int
	accept func(*Response) bool
	// raw returns every final reply to the caller instead of failing.
	raw bool
	// onSuccess runs on the loop after the last reply was accepted.
	onSuccess func(e *engine)

	last *Response
}

func (*commandOp) kind() opKind { return kindCommand }

func (op *commandOp) send(e *engine) result {
	if op.next >= len(op.cmds) {
		return internalError("command: nothing to send")
	}
	return e.sendCommand(op.cmds[op.next])
}

func (op *commandOp) parseResponse(e *engine, r *Response) result {
	op.last = r
	cmd := op.cmds[op.next]
	op.next++
	if op.raw {
		return success()
	}
	if op.next < len(op.cmds) {
		if !r.Success() {
			return failure(protocolError(cmd, r))
		}
		return proceed()
	}

	ok := r.Is2xx()
	if op.accept != nil {
		ok = op.accept(r)
	}
	if !ok {
		return failure(protocolError(cmd, r))
	}
	if op.onSuccess != nil {
		op.onSuccess(e)
	}
	return success()
}

// quitOp says goodbye. Any reply, or none, ends it.
type quitOp struct{}

func (quitOp) kind() opKind { return kindCommand }

func (quitOp) send(e *engine) result {
	e.log(logging.Status, "disconnecting")
	return e.sendCommand("QUIT")
}

func (quitOp) parseResponse(_ *engine, r *Response) result {
	if r.Code != 221 {
		return failure(protocolError("QUIT", r))
	}
	return success()
}
