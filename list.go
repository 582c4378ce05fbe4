package ftpengine

import (
	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/dircache"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/serverpath"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

type listState int

const (
	listInit listState = iota
	listWaitPwd
	listWaitCwd
	listTransfer
	listWaitTransfer
)

// listOp lists a directory. It enters the directory first, so the
// listing command never carries a path the server might misparse.
type listOp struct {
	state   listState
	path    serverpath.Path
	parsers []ListingParser
	// names selects NLST. Name lists carry no types and are not cached.
	names bool

	sink    *listingSink
	entries []Entry
}

func (*listOp) kind() opKind { return kindList }

func (op *listOp) send(e *engine) result {
	switch op.state {
	case listInit:
		if op.path.Empty() {
			if e.currentPath.Empty() {
				op.state = listWaitPwd
				e.push(&pwdOp{}, nil)
				return proceed()
			}
			op.path = e.currentPath
		}
		if !e.tryLock(LockList, op.path.String()) {
			return suspend()
		}
		e.log(logging.Status, "retrieving directory listing", "path", op.path)
		if op.path.Equal(e.currentPath) {
			op.state = listTransfer
			return proceed()
		}
		op.state = listWaitCwd
		e.push(&cwdOp{target: op.path}, nil)
		return proceed()

	case listTransfer:
		cmd := "LIST"
		var parser ListingParser
		switch {
		case op.names:
			cmd = "NLST"
			parser = nameParser{}
		case e.caps.Get(e.server, capabilities.MLSD) == capabilities.Yes:
			cmd = "MLSD"
			parser = MLSxParser{}
		default:
			parser = ParserChain(append(append([]ListingParser{}, op.parsers...), DefaultParsers()...))
		}
		op.sink = newListingSink(parser, e.logger)
		op.state = listWaitTransfer
		e.push(&rawTransferOp{
			cmd:   cmd,
			mode:  transfer.ModeList,
			ascii: true,
			sink:  op.sink.write,
		}, nil)
		return proceed()
	}
	return internalError("list: unknown state %d", op.state)
}

func (op *listOp) parseResponse(e *engine, r *Response) result {
	return internalError("list: unexpected reply %d", r.Code)
}

func (op *listOp) subcommandResult(e *engine, res result, _ operation) result {
	if res.status != statusOK {
		return res
	}
	switch op.state {
	case listWaitPwd:
		op.path = e.currentPath
		op.state = listInit
		return proceed()
	case listWaitCwd:
		// The server may have canonicalized the path.
		if !e.currentPath.Empty() {
			op.path = e.currentPath
		}
		op.state = listTransfer
		return proceed()
	case listWaitTransfer:
		op.entries = op.sink.finish()
		if op.names {
			return success()
		}
		cached := make([]dircache.Entry, 0, len(op.entries))
		for _, ent := range op.entries {
			if ent.Type != EntryUnknown {
				cached = append(cached, ent.cacheEntry())
			}
		}
		e.cache.StoreListing(e.server, op.path.String(), cached)
		e.listingChanged(op.path)
		e.log(logging.Status, "directory listing successful", "path", op.path, "entries", len(op.entries))
		return success()
	}
	return internalError("list: unexpected subcommand result in state %d", op.state)
}
