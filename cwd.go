package ftpengine

import (
	"fmt"

	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/serverpath"
)

type cwdState int

const (
	cwdInit cwdState = iota
	cwdCwd
	cwdPwd
	cwdWaitMkdir
)

// cwdOp changes the current directory and learns its canonical form with
// PWD. With tryMkdOnFail a failing CWD creates the directory and retries
// once.
type cwdOp struct {
	state  cwdState
	target serverpath.Path
	// raw is sent instead of target when the current directory is not
	// known and the caller passed a relative path.
	raw          string
	tryMkdOnFail bool
	triedMkd     bool
}

func (*cwdOp) kind() opKind { return kindCwd }

func (op *cwdOp) arg() string {
	if op.target.Empty() {
		return op.raw
	}
	return op.target.String()
}

func (op *cwdOp) send(e *engine) result {
	switch op.state {
	case cwdInit:
		if !op.target.Empty() && op.target.Equal(e.currentPath) {
			e.log(logging.DebugVerbose, "already in directory", "path", op.target)
			return success()
		}
		op.state = cwdCwd
		return proceed()
	case cwdCwd:
		e.currentPath = serverpath.Path{}
		return e.sendCommand("CWD " + op.arg())
	case cwdPwd:
		return e.sendCommand("PWD")
	}
	return internalError("cwd: unknown state %d", op.state)
}

func (op *cwdOp) parseResponse(e *engine, r *Response) result {
	switch op.state {
	case cwdCwd:
		if r.Success() {
			op.state = cwdPwd
			return proceed()
		}
		if op.tryMkdOnFail && !op.triedMkd && !op.target.Empty() {
			op.triedMkd = true
			op.state = cwdWaitMkdir
			e.push(&mkdirOp{path: op.target}, nil)
			return proceed()
		}
		return failure(protocolError("CWD "+op.arg(), r))
	case cwdPwd:
		e.currentPath = op.target
		if r.Code == 257 {
			if dir, err := parsePWD(r.Message); err == nil {
				if p := serverpath.Parse(dir); !p.Empty() {
					e.currentPath = p
				}
			}
		}
		if e.currentPath.Empty() {
			return failure(fmt.Errorf("%w: server did not report the new directory", ErrInvalidPath))
		}
		return success()
	}
	return internalError("cwd: unexpected reply in state %d", op.state)
}

func (op *cwdOp) subcommandResult(_ *engine, res result, _ operation) result {
	if op.state != cwdWaitMkdir {
		return internalError("cwd: unexpected subcommand result in state %d", op.state)
	}
	if res.status != statusOK {
		return res
	}
	op.state = cwdCwd
	return proceed()
}

// pwdOp learns the current directory unless it is known.
type pwdOp struct {
	path serverpath.Path
}

func (*pwdOp) kind() opKind { return kindCwd }

func (op *pwdOp) send(e *engine) result {
	if !e.currentPath.Empty() {
		op.path = e.currentPath
		return success()
	}
	return e.sendCommand("PWD")
}

func (op *pwdOp) parseResponse(e *engine, r *Response) result {
	if !r.Is2xx() {
		return failure(protocolError("PWD", r))
	}
	dir, err := parsePWD(r.Message)
	if err != nil {
		return failure(err)
	}
	p := serverpath.Parse(dir)
	if p.Empty() {
		return failure(fmt.Errorf("%w: %q", ErrInvalidPath, dir))
	}
	e.currentPath = p
	op.path = p
	return success()
}
