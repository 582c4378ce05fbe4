package ftpengine

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"

	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/socket"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

type connectState int

const (
	connectGreeting connectState = iota
	connectAuthTLS
	connectUser
	connectPass
	connectFeat
	connectOptsUTF8
	connectPBSZ
	connectProt
	connectWaitPwd
)

// connectOp logs in on a freshly attached control connection.
type connectOp struct {
	state    connectState
	tlsMode  tlsMode
	user     string
	password string
}

func (*connectOp) kind() opKind { return kindConnect }

func (op *connectOp) send(e *engine) result {
	switch op.state {
	case connectGreeting:
		e.expectReply()
		return suspend()
	case connectAuthTLS:
		e.log(logging.Status, "initializing TLS")
		return e.sendCommand("AUTH TLS")
	case connectUser:
		return e.sendCommand("USER " + op.user)
	case connectPass:
		return e.sendCommand("PASS " + op.password)
	case connectFeat:
		return e.sendCommand("FEAT")
	case connectOptsUTF8:
		return e.sendCommand("OPTS UTF8 ON")
	case connectPBSZ:
		return e.sendCommand("PBSZ 0")
	case connectProt:
		return e.sendCommand("PROT P")
	}
	return internalError("connect: unknown state %d", op.state)
}

func (op *connectOp) parseResponse(e *engine, r *Response) result {
	switch op.state {
	case connectGreeting:
		if r.Code != 220 {
			return criticalError(protocolError("CONNECT", r))
		}
		if op.tlsMode == tlsModeExplicit {
			op.state = connectAuthTLS
		} else {
			op.state = connectUser
		}
	case connectAuthTLS:
		if r.Code != 234 {
			return criticalError(protocolError("AUTH TLS", r))
		}
		if err := e.upgradeTLS(); err != nil {
			return lostConnection(err)
		}
		op.state = connectUser
	case connectUser:
		switch {
		case r.Code == 230:
			op.state = connectFeat
		case r.Code == 331:
			op.state = connectPass
		default:
			return criticalError(protocolError("USER", r))
		}
	case connectPass:
		if r.Code != 230 && r.Code != 202 {
			return criticalError(protocolError("PASS", r))
		}
		op.state = connectFeat
	case connectFeat:
		if r.Code == 211 {
			e.features = parseFeatureLines(r.Lines)
		}
		e.recordFeatures()
		switch {
		case e.hasFeature("UTF8"):
			op.state = connectOptsUTF8
		case op.tlsMode != tlsModeNone:
			op.state = connectPBSZ
		default:
			return op.done(e)
		}
	case connectOptsUTF8:
		if !r.Success() {
			e.log(logging.DebugInfo, "server refused UTF-8", "code", r.Code)
		}
		if op.tlsMode == tlsModeNone {
			return op.done(e)
		}
		op.state = connectPBSZ
	case connectPBSZ:
		op.state = connectProt
	case connectProt:
		if r.Is2xx() {
			e.protected = true
		} else {
			e.log(logging.Status, "server refused to protect data connections, transferring in clear")
		}
		return op.done(e)
	default:
		return internalError("connect: unknown state %d", op.state)
	}
	return proceed()
}

// done learns the initial directory. Servers refusing PWD still count as
// logged in.
func (op *connectOp) done(e *engine) result {
	e.log(logging.Status, "logged in")
	op.state = connectWaitPwd
	e.push(&pwdOp{}, nil)
	return proceed()
}

func (op *connectOp) subcommandResult(e *engine, res result, _ operation) result {
	if res.status == statusDisconnected || res.status == statusCritical {
		return res
	}
	if res.status != statusOK {
		e.log(logging.DebugWarning, "could not determine initial directory", "error", res.err)
	}
	return success()
}

// recordFeatures stores what FEAT advertised in the capability cache.
func (e *engine) recordFeatures() {
	set := func(c capabilities.Capability, name string) {
		if e.hasFeature(name) {
			e.caps.Set(e.server, c, capabilities.Yes)
		}
	}
	set(capabilities.EPSV, "EPSV")
	set(capabilities.EPRT, "EPRT")
	set(capabilities.MLSD, "MLST")
}

// upgradeTLS relayers the control connection after AUTH TLS. The reply
// reader is idle at this point, so nothing reads the raw connection
// during the handshake.
func (e *engine) upgradeTLS() error {
	ctx := e.ctx
	if e.dialer.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.dialer.Timeout)
		defer cancel()
	}
	if err := e.stack.Push(ctx, socket.TLSClient(e.tlsConfig)); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	e.reader = bufio.NewReader(e.stack.Top())
	if tc, ok := socket.TLSConn(e.stack); ok {
		cs := tc.ConnectionState()
		e.tlsState = &cs
		e.log(logging.Status, "TLS connection established", "version", tls.VersionName(cs.Version), "alpn", cs.NegotiatedProtocol)
	}
	return nil
}

// controlTLSConfig prepares the control connection's TLS settings. The
// session cache is shared with every data connection.
func controlTLSConfig(base *tls.Config, host string, minVersion uint16) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{}
	} else {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{transfer.ALPNControl, "ftp"}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = minVersion
	}
	return cfg
}

// dialControl opens the control connection's stack. Implicit TLS is
// negotiated before the greeting.
func (e *engine) dialControl(ctx context.Context, address string, mode tlsMode) (*socket.Stack, error) {
	st, err := e.dialer.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := st.Push(ctx, socket.Activity(e.activity)); err != nil {
		_ = st.Close()
		return nil, err
	}
	if mode == tlsModeImplicit {
		hctx := ctx
		if e.dialer.Timeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, e.dialer.Timeout)
			defer cancel()
		}
		if err := st.Push(hctx, socket.TLSClient(e.tlsConfig)); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
	}
	return st, nil
}
