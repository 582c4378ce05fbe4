package ftpengine

import (
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

// opKind identifies an operation in logs.
type opKind int

const (
	kindConnect opKind = iota
	kindCwd
	kindMkdir
	kindList
	kindRawTransfer
	kindFileTransfer
	kindCommand
	kindProbe
)

var kindNames = [...]string{
	kindConnect:      "connect",
	kindCwd:          "cwd",
	kindMkdir:        "mkdir",
	kindList:         "list",
	kindRawTransfer:  "rawtransfer",
	kindFileTransfer: "filetransfer",
	kindCommand:      "command",
	kindProbe:        "probe",
}

func (k opKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// operation is one step machine on the executor's stack. send issues the
// next command, parseResponse consumes the reply to it. Both run on the
// connection's event loop.
type operation interface {
	kind() opKind
	send(e *engine) result
	parseResponse(e *engine, r *Response) result
}

// subcommandHandler is implemented by operations that push children.
// Without it a child's terminal result is passed through unchanged.
type subcommandHandler interface {
	subcommandResult(e *engine, res result, child operation) result
}

// preliminaryHandler receives 1xx replies. Operations without it never
// see them.
type preliminaryHandler interface {
	preliminary(e *engine, r *Response) result
}

// transferHandler receives the end of the operation's data connection.
type transferHandler interface {
	transferEnded(e *engine, reason transfer.EndReason, err error) result
}

// closer is implemented by operations holding resources that must be
// released when they leave the stack, normally or by a reset.
type closer interface {
	close()
}

type entry struct {
	op   operation
	lock *PathLock
	// done is set on root entries only.
	done func(error)
}

func (e *engine) top() *entry {
	if len(e.ops) == 0 {
		return nil
	}
	return e.ops[len(e.ops)-1]
}

func (e *engine) isTop(op operation) bool {
	t := e.top()
	return t != nil && t.op == op
}

// push places op on top of the stack without running it.
func (e *engine) push(op operation, done func(error)) {
	e.ops = append(e.ops, &entry{op: op, done: done})
	e.busy.Store(true)
	e.log(logging.DebugVerbose, "pushed operation", "op", op.kind(), "depth", len(e.ops))
}

// tryLock reserves path for the top operation. It reports whether the
// lock is held; if not, the operation is driven again once it is.
func (e *engine) tryLock(reason LockReason, path string) bool {
	t := e.top()
	if t == nil {
		return false
	}
	if t.lock == nil {
		t.lock = e.locks.Acquire(e.server, reason, path, func() { e.post(e.drive) })
	}
	held := t.lock.Held()
	if !held {
		e.log(logging.Status, "waiting to lock path", "reason", reason, "path", path)
	}
	return held
}

// drive runs the top operation until it waits.
func (e *engine) drive() {
	e.process(proceed())
}

// process applies res to the top operation and keeps going until some
// operation waits or the stack empties. Terminal results pop the top and
// are handed to the new top.
func (e *engine) process(res result) {
	for {
		switch res.status {
		case statusWait:
			return
		case statusDisconnected:
			e.reset(res.err)
			return
		case statusContinue:
			t := e.top()
			if t == nil {
				return
			}
			if t.lock != nil && !t.lock.Held() {
				return
			}
			res = t.op.send(e)
			continue
		}

		child := e.pop()
		if child == nil {
			return
		}
		if res.status == statusInternal {
			e.log(logging.DebugWarning, "operation failed internally", "op", child.op.kind(), "error", res.err)
		}

		parent := e.top()
		if parent == nil {
			e.busy.Store(false)
			if child.done != nil {
				child.done(res.asError())
			}
			e.idle()
			return
		}
		if h, ok := parent.op.(subcommandHandler); ok {
			res = h.subcommandResult(e, res, child.op)
		}
	}
}

// pop removes the top entry and releases what it holds.
func (e *engine) pop() *entry {
	t := e.top()
	if t == nil {
		return nil
	}
	e.ops = e.ops[:len(e.ops)-1]
	release(t)
	e.log(logging.DebugVerbose, "popped operation", "op", t.op.kind(), "depth", len(e.ops))
	return t
}

func release(t *entry) {
	if c, ok := t.op.(closer); ok {
		c.close()
	}
	if t.lock != nil {
		t.lock.Release()
		t.lock = nil
	}
}

// onReply routes a complete reply to the top operation.
func (e *engine) onReply(r *Response) {
	t := e.top()
	if t == nil {
		e.log(logging.DebugInfo, "reply without active operation", "code", r.Code)
		return
	}
	if r.Is1xx() {
		if h, ok := t.op.(preliminaryHandler); ok {
			e.process(h.preliminary(e, r))
		}
		return
	}
	e.process(t.op.parseResponse(e, r))
}
