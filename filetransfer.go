package ftpengine

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/gonzalop/ftpengine/internal/bufpool"
	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/dircache"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/serverpath"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

// resumeLimit is the offset from which some servers wrap REST arguments.
const resumeLimit = int64(1) << 32

type fileState int

const (
	fileInit fileState = iota
	fileWaitCwd
	fileSize
	fileWaitResumeTest
	fileTransfer
	fileWaitTransfer
)

type fileDirection int

const (
	fileDownload fileDirection = iota
	fileUpload
	fileAppend
)

func (d fileDirection) command() string {
	switch d {
	case fileUpload:
		return "STOR"
	case fileAppend:
		return "APPE"
	}
	return "RETR"
}

// fileTransferOp moves one file. It changes into the file's directory,
// creating it for uploads, and checks large resumes before trusting the
// server with a REST beyond 4 GiB.
type fileTransferOp struct {
	state     fileState
	dir       serverpath.Path
	name      string
	direction fileDirection
	offset    int64
	ascii     bool

	src io.Reader
	dst io.Writer

	remoteSize int64
	progress   *Progress
	reader     *bufpool.ThreadedReader
	writer     *bufpool.ThreadedWriter
}

func (*fileTransferOp) kind() opKind { return kindFileTransfer }

func (op *fileTransferOp) send(e *engine) result {
	switch op.state {
	case fileInit:
		op.remoteSize = -1
		if op.direction == fileDownload {
			e.log(logging.Status, "starting download", "file", op.dir.AddSegment(op.name), "offset", op.offset)
		} else {
			e.log(logging.Status, "starting upload", "file", op.dir.AddSegment(op.name), "append", op.direction == fileAppend)
		}
		op.state = fileWaitCwd
		e.push(&cwdOp{target: op.dir, tryMkdOnFail: op.direction != fileDownload}, nil)
		return proceed()

	case fileSize:
		return e.sendCommand("SIZE " + op.name)

	case fileTransfer:
		return op.startTransfer(e)
	}
	return internalError("filetransfer: unknown state %d", op.state)
}

func (op *fileTransferOp) parseResponse(e *engine, r *Response) result {
	if op.state != fileSize {
		return internalError("filetransfer: unexpected reply in state %d", op.state)
	}
	if r.Code == 213 {
		if n, err := strconv.ParseInt(strings.TrimSpace(r.Message), 10, 64); err == nil {
			op.remoteSize = n
		}
	} else {
		e.log(logging.DebugInfo, "SIZE failed", "code", r.Code)
	}
	return op.checkResume(e)
}

// checkResume decides whether the 4 GiB resume test is needed before
// resuming at op.offset.
func (op *fileTransferOp) checkResume(e *engine) result {
	if op.offset < resumeLimit {
		op.state = fileTransfer
		return proceed()
	}
	switch e.caps.Get(e.server, capabilities.Resume4GB) {
	case capabilities.No:
		return criticalError(errors.New("server does not support resuming files larger than 4 GiB"))
	case capabilities.Yes:
		op.state = fileTransfer
		return proceed()
	}
	if op.remoteSize >= 0 && op.remoteSize != op.offset {
		// The test needs the last byte of a file we already have.
		op.state = fileTransfer
		return proceed()
	}
	e.log(logging.Status, "testing resume capabilities of server")
	op.state = fileWaitResumeTest
	e.push(&rawTransferOp{
		cmd:  "RETR " + op.name,
		mode: transfer.ModeResumeTest,
		rest: op.offset - 1,
	}, nil)
	return proceed()
}

func (op *fileTransferOp) startTransfer(e *engine) result {
	total := op.remoteSize
	if op.direction != fileDownload {
		total = -1
	}
	op.progress = NewProgress(total, op.offset)

	raw := &rawTransferOp{
		cmd:   op.direction.command() + " " + op.name,
		ascii: op.ascii,
	}
	if op.direction == fileDownload {
		raw.mode = transfer.ModeDownload
		raw.rest = op.offset
		op.writer = bufpool.NewWriter(&ProgressWriter{Writer: op.dst, Progress: op.progress}, int(e.opts.Int("transfer.buffer_count"))/2)
		raw.writer = op.writer
	} else {
		raw.mode = transfer.ModeUpload
		if op.direction == fileUpload {
			raw.rest = op.offset
		}
		op.reader = bufpool.NewReader(&ProgressReader{Reader: op.src, Progress: op.progress}, e.xfer.Pool)
		raw.reader = op.reader
	}
	op.state = fileWaitTransfer
	e.push(raw, nil)
	return proceed()
}

func (op *fileTransferOp) subcommandResult(e *engine, res result, _ operation) result {
	switch op.state {
	case fileWaitCwd:
		if res.status != statusOK {
			return res
		}
		if op.direction == fileDownload && op.offset > 0 {
			op.state = fileSize
		} else {
			op.state = fileTransfer
		}
		return proceed()

	case fileWaitResumeTest:
		if res.status == statusOK {
			e.log(logging.Status, "server supports resume beyond 4 GiB")
			e.caps.Set(e.server, capabilities.Resume4GB, capabilities.Yes)
			op.state = fileTransfer
			return proceed()
		}
		var te *TransferError
		if errors.As(res.err, &te) && te.Reason == transfer.EndFailedResumeTest {
			e.log(logging.Error, "server does not support resume of files > 4GB")
			e.caps.Set(e.server, capabilities.Resume4GB, capabilities.No)
			return criticalError(fmt.Errorf("resume test failed: %w", res.err))
		}
		return res

	case fileWaitTransfer:
		if res.status != statusOK {
			return res
		}
		n := op.progress.Transferred()
		e.log(logging.Status, "file transfer successful", "transferred", humanize.IBytes(uint64(n)), "rate", humanize.IBytes(uint64(op.progress.Rate()))+"/s")
		if op.direction != fileDownload {
			size := n
			if op.direction == fileAppend {
				if ent, found := e.cache.Lookup(e.server, op.dir.String(), op.name); found {
					size += ent.Size
				}
			} else {
				size += op.offset
			}
			e.cache.UpdateFile(e.server, op.dir.String(), dircache.Entry{Name: op.name, Size: size})
			e.listingChanged(op.dir)
		}
		return success()
	}
	return internalError("filetransfer: unexpected subcommand result in state %d", op.state)
}

func (op *fileTransferOp) close() {
	if op.reader != nil {
		_ = op.reader.Close()
	}
	if op.writer != nil {
		_ = op.writer.Close()
	}
}
