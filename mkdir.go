package ftpengine

import (
	"strings"

	"github.com/gonzalop/ftpengine/internal/dircache"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/serverpath"
)

type mkdirState int

const (
	mkdirInit mkdirState = iota
	mkdirFindParent
	mkdirMkdSub
	mkdirCwdSub
	mkdirTryFull
)

func (s mkdirState) String() string {
	switch s {
	case mkdirInit:
		return "init"
	case mkdirFindParent:
		return "findparent"
	case mkdirMkdSub:
		return "mkdsub"
	case mkdirCwdSub:
		return "cwdsub"
	case mkdirTryFull:
		return "tryfull"
	}
	return "unknown"
}

// mkdirOp creates a directory and any missing parents.
//
// It first walks up from the target until a CWD succeeds, recording the
// segments it passed, then creates those segments one by one with
// single-segment MKD, entering each after creating it. If no ancestor up
// to the common parent of the current directory and the target can be
// entered, or entering a created segment fails, it sends one MKD with the
// full path instead.
type mkdirOp struct {
	state mkdirState
	path  serverpath.Path

	commonParent serverpath.Path
	// current is the directory the next segment is created in.
	current serverpath.Path
	// segments is a stack, the next segment to create is last.
	segments []string
}

func (*mkdirOp) kind() opKind { return kindMkdir }

func (op *mkdirOp) send(e *engine) result {
	if !e.tryLock(LockMkdir, op.path.String()) {
		return suspend()
	}

	switch op.state {
	case mkdirInit:
		return op.init(e)
	case mkdirFindParent, mkdirCwdSub:
		e.currentPath = serverpath.Path{}
		if op.state == mkdirCwdSub {
			// The segment was just created in the directory we are in.
			return e.sendCommand("CWD " + op.current.LastSegment())
		}
		return e.sendCommand("CWD " + op.current.String())
	case mkdirMkdSub:
		return e.sendCommand("MKD " + op.segments[len(op.segments)-1])
	case mkdirTryFull:
		return e.sendCommand("MKD " + op.path.String())
	}
	e.log(logging.DebugWarning, "unknown mkdir state", "state", op.state)
	return internalError("mkdir: unknown state %d", op.state)
}

func (op *mkdirOp) init(e *engine) result {
	if len(e.ops) == 1 && !op.path.Empty() {
		e.log(logging.Status, "creating directory", "path", op.path)
	}

	cur := e.currentPath
	if !cur.Empty() {
		// Unless the server is broken, a directory exists if we are in it
		// or below it.
		if cur.Equal(op.path) || cur.IsSubdirOf(op.path) {
			return success()
		}
		if cur.IsParentOf(op.path) {
			op.commonParent = cur
		} else {
			op.commonParent = op.path.CommonParent(cur)
		}
	}

	if !op.path.HasParent() {
		op.state = mkdirTryFull
		return proceed()
	}
	op.current = op.path.Parent()
	op.segments = append(op.segments, op.path.LastSegment())
	if op.current.Equal(cur) {
		op.state = mkdirMkdSub
	} else {
		op.state = mkdirFindParent
	}
	return proceed()
}

func (op *mkdirOp) parseResponse(e *engine, r *Response) result {
	switch op.state {
	case mkdirFindParent:
		switch {
		case r.Success():
			e.currentPath = op.current
			op.state = mkdirMkdSub
		case op.current.Equal(op.commonParent):
			op.state = mkdirTryFull
		case op.current.HasParent():
			op.segments = append(op.segments, op.current.LastSegment())
			op.current = op.current.Parent()
		default:
			op.state = mkdirTryFull
		}
		return proceed()

	case mkdirMkdSub:
		if len(op.segments) == 0 {
			e.log(logging.DebugWarning, "mkdir segments empty")
			return internalError("mkdir: no segment to create")
		}
		name := op.segments[len(op.segments)-1]
		if !r.Success() {
			if !isAlreadyExists(r.Message, op.path.String()) {
				return failure(protocolError("MKD "+name, r))
			}
			if ent, found := e.cache.Lookup(e.server, op.current.String(), name); found && !ent.Dir {
				return failure(protocolError("MKD "+name, r))
			}
		}

		e.cache.UpdateFile(e.server, op.current.String(), dircache.Entry{Name: name, Dir: true})
		e.listingChanged(op.current)

		op.current = op.current.AddSegment(name)
		op.segments = op.segments[:len(op.segments)-1]
		if len(op.segments) == 0 {
			return success()
		}
		op.state = mkdirCwdSub
		return proceed()

	case mkdirCwdSub:
		if r.Success() {
			e.currentPath = op.current
			op.state = mkdirMkdSub
		} else {
			op.state = mkdirTryFull
		}
		return proceed()

	case mkdirTryFull:
		if !r.Success() {
			return failure(protocolError("MKD "+op.path.String(), r))
		}
		return success()
	}
	e.log(logging.DebugWarning, "unknown mkdir state", "state", op.state)
	return internalError("mkdir: unexpected reply in state %s", op.state)
}

// isAlreadyExists classifies a failed MKD reply as "the directory is
// already there". Servers word this freely, so the check is textual. The
// loose substring checks are skipped when the path itself contains the
// phrase, since many servers echo the path in the reply.
func isAlreadyExists(message, path string) bool {
	msg := strings.ToLower(message)
	p := strings.ToLower(path)

	if msg == "directory already exists" || msg == "file or directory already exists" {
		return true
	}
	for _, phrase := range []string{"already exists", "file exists", "directory exists"} {
		if !strings.Contains(p, phrase) && strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
