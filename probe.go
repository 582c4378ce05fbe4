package ftpengine

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

// ProbeResult is the verdict of an active mode probe.
type ProbeResult int

const (
	ProbeUnknown ProbeResult = iota
	// ProbeOK means the probe server saw the advertised address and port
	// unchanged and received the test data.
	ProbeOK
	// ProbeMismatch means the advertised address is not the one the
	// server sees the connection come from.
	ProbeMismatch
	// ProbeTainted means a router or firewall rewrote the command.
	ProbeTainted
	ProbeMismatchTainted
	// ProbeDataTainted means the data connection carried modified data.
	ProbeDataTainted
	ProbeServerError
)

func (p ProbeResult) String() string {
	switch p {
	case ProbeOK:
		return "ok"
	case ProbeMismatch:
		return "mismatch"
	case ProbeTainted:
		return "tainted"
	case ProbeMismatchTainted:
		return "mismatch_tainted"
	case ProbeDataTainted:
		return "data_tainted"
	case ProbeServerError:
		return "server_error"
	}
	return "unknown"
}

var errProbeFailed = errors.New("active mode probe failed")

type probeState int

const (
	probeIP probeState = iota
	probePrep
	probePort
	probeList
	probeWaitList
)

// probeOp runs the IP/PREP dialect of a probe server against the address
// active mode would advertise:
//
//	IP 203.0.113.7 cdf-bbd-bbd-h
//	PREP 50123
//	PORT 203,0,113,7,195,203
//	LIST
//
// The server echoes a token from PREP on the data connection followed by
// the four address bytes it saw.
type probeOp struct {
	state  probeState
	ip     net.IP
	port   int
	token  int64
	result ProbeResult

	sock *transfer.Socket

	mu   sync.Mutex
	data []byte

	reply  bool
	ended  bool
	endErr error
	reason transfer.EndReason
}

func (*probeOp) kind() opKind { return kindProbe }

// hexIP spells an IPv4 address with letters so NAT helpers that rewrite
// addresses in the command stream leave it alone.
func hexIP(ip string) string {
	var b strings.Builder
	for _, c := range ip {
		if c == '.' {
			b.WriteByte('-')
		} else {
			b.WriteRune(c - '0' + 'a')
		}
	}
	return b.String()
}

func (op *probeOp) fail(e *engine, res ProbeResult, msg string) result {
	op.result = res
	e.log(logging.Error, msg, "result", res)
	return failure(fmt.Errorf("%w: %s", errProbeFailed, msg))
}

func (op *probeOp) send(e *engine) result {
	switch op.state {
	case probeIP:
		if op.ip == nil {
			ip, pending := e.activeAddress(func() { e.post(e.drive) })
			if pending {
				return suspend()
			}
			if ip.To4() == nil {
				return op.fail(e, ProbeServerError, "the probe needs an IPv4 address")
			}
			op.ip = ip.To4()
		}
		e.log(logging.Status, "checking for correct external IP address", "ip", op.ip)
		return e.sendCommand("IP " + op.ip.String() + " " + hexIP(op.ip.String()))

	case probePrep:
		op.sock = transfer.New(e.xfer, e.control(), &transferHost{e: e, op: op}, transfer.ModeList)
		op.sock.SetListSink(op.collect)
		port, err := op.sock.SetupActive()
		if err != nil {
			return failure(fmt.Errorf("could not open listen socket: %w", err))
		}
		op.port = port
		return e.sendCommand("PREP " + strconv.Itoa(port))

	case probePort:
		args, err := transfer.FormatPORT(op.ip, op.port)
		if err != nil {
			return failure(err)
		}
		return e.sendCommand("PORT " + args)

	case probeList:
		op.state = probeWaitList
		op.sock.Activate()
		return e.sendCommand("LIST")

	case probeWaitList:
		return suspend()
	}
	return internalError("probe: unknown state %d", op.state)
}

func (op *probeOp) collect(b []byte) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.data = append(op.data, b...)
	if len(op.data) > 100 {
		return errors.New("too much probe data")
	}
	return nil
}

func (op *probeOp) parseResponse(e *engine, r *Response) result {
	switch op.state {
	case probeIP:
		if r.Is2xx() {
			op.state = probePrep
			return proceed()
		}
		switch r.Code % 100 {
		case 1:
			return op.fail(e, ProbeTainted, "communication tainted by router or firewall")
		case 10:
			return op.fail(e, ProbeMismatch, "wrong external IP address")
		case 11:
			return op.fail(e, ProbeMismatchTainted, "wrong external IP address and communication tainted")
		}
		return op.fail(e, ProbeServerError, "server sent unexpected reply")

	case probePrep:
		if !r.Is2xx() {
			return op.fail(e, ProbeServerError, "server sent unexpected reply")
		}
		i := strings.LastIndexByte(r.Message, ' ')
		token, err := strconv.ParseInt(r.Message[i+1:], 10, 64)
		if err != nil {
			return op.fail(e, ProbeServerError, "server sent unexpected reply")
		}
		op.token = token
		op.state = probePort
		return proceed()

	case probePort:
		if r.Is2xx() {
			op.state = probeList
			return proceed()
		}
		if r.Code == 501 || r.Code == 502 {
			return op.fail(e, ProbeTainted, "PORT command tainted by router or firewall")
		}
		return op.fail(e, ProbeServerError, "server sent unexpected reply")

	case probeWaitList:
		if !r.Success() {
			return op.fail(e, ProbeServerError, "server sent unexpected reply")
		}
		op.reply = true
		if op.ended {
			return op.verify(e)
		}
		return suspend()
	}
	return internalError("probe: unexpected reply in state %d", op.state)
}

func (op *probeOp) transferEnded(e *engine, reason transfer.EndReason, err error) result {
	op.ended = true
	op.reason = reason
	op.endErr = err
	if !op.reply {
		return suspend()
	}
	return op.verify(e)
}

// verify checks "<token> " followed by the four address bytes.
func (op *probeOp) verify(e *engine) result {
	if op.reason != transfer.EndSuccessful {
		return op.fail(e, ProbeServerError, fmt.Sprintf("data connection failed: %v", op.endErr))
	}
	op.mu.Lock()
	data := op.data
	op.mu.Unlock()

	want := append([]byte(strconv.FormatInt(op.token, 10)+" "), op.ip.To4()...)
	if !bytes.Equal(data, want) {
		return op.fail(e, ProbeDataTainted, "received data tainted")
	}
	op.result = ProbeOK
	e.log(logging.Status, "active mode probe successful")
	return success()
}

func (op *probeOp) close() {
	if op.sock != nil {
		_ = op.sock.Close()
	}
}
