// Package transfer manages FTP data connections: active and passive
// establishment, the layered socket stack of each connection, the TLS
// session resumption policy and the buffered pumps moving bytes between the
// connection and local readers and writers.
package transfer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gonzalop/ftpengine/internal/bufpool"
	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/metrics"
	"github.com/gonzalop/ftpengine/internal/ratelimit"
	"github.com/gonzalop/ftpengine/internal/socket"
)

// maxPassiveAttempts bounds passive connects failing with EADDRINUSE.
const maxPassiveAttempts = 2

var (
	// ErrCertificateMismatch is returned when an unresumed data connection
	// presents a different certificate than the control connection.
	ErrCertificateMismatch = errors.New("transfer: data connection certificate differs from control connection")
	// ErrUnexpectedData is returned when the server sends data during an upload.
	ErrUnexpectedData = errors.New("transfer: received data from the server during an upload")
	// ErrNoReader is returned when a transfer starts without its local endpoint.
	ErrNoReader = errors.New("transfer: no local reader or writer")
)

// DialFunc opens the base transport of a passive data connection.
type DialFunc func(ctx context.Context, d *socket.Dialer, address string) (net.Conn, error)

func defaultDial(ctx context.Context, d *socket.Dialer, address string) (net.Conn, error) {
	return d.DialBase(ctx, address)
}

// Config holds the resources shared by every data connection of a session.
type Config struct {
	Pool     *bufpool.Pool
	Inbound  *ratelimit.Limiter
	Outbound *ratelimit.Limiter
	Ports    PortRange
	// TLSMinVersion is applied to protected data connections when set.
	TLSMinVersion uint16
	Caps          capabilities.Store
	Metrics       metrics.EngineMetrics
	Logger        *logging.Logger

	// Dial and Listen default to real network operations.
	Dial   DialFunc
	Listen ListenFunc
}

// Control describes the control connection a data connection belongs to.
type Control struct {
	// Server identifies the server in the capability store.
	Server    string
	LocalAddr net.Addr
	PeerAddr  net.Addr
	// Dialer carries the proxy settings and socket buffer sizes.
	Dialer *socket.Dialer
	// TLS is set when the data channel must be protected. It must carry
	// the control connection's session cache and server name.
	TLS *tls.Config
	// TLSState is the control connection's handshake state.
	TLSState *tls.ConnectionState
}

// Host is the control connection side of a transfer. Post runs fn on the
// control connection's event loop; every other method is called from
// that loop, except Activity, which transfer goroutines call directly.
type Host interface {
	Post(fn func())
	Activity(read, written int)
	// AskNoResumption asks the user whether to continue over an unresumed
	// TLS session. answer must be called on the event loop.
	AskNoResumption(server string, answer func(ok bool))
	// ResumptionConfirmed is called once when a server is first seen
	// resuming sessions.
	ResumptionConfirmed(server string)
	TransferEnded(reason EndReason, err error)
}

// Socket is one data connection attempt. It is created by the operation
// that needs a data connection and closed by it when the operation ends.
type Socket struct {
	cfg     *Config
	ctl     Control
	host    Host
	mode    Mode
	logger  *logging.Logger
	metrics metrics.EngineMetrics
	dial    DialFunc
	listen  ListenFunc

	ascii  bool
	reader bufpool.Reader
	writer bufpool.Writer
	sink   func([]byte) error

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	start  time.Time

	mu          sync.Mutex
	reason      EndReason
	err         error
	stack       *socket.Stack
	listener    net.Listener
	gate        gate
	connected   bool
	recvStarted bool
	sendStarted bool
	attempts    int
	shutdown    sync.Once
	resumeBytes int
}

// New returns an idle socket. The transfer is blocked until Activate is
// called, which the owner does once the server accepted the transfer
// command.
func New(cfg *Config, ctl Control, host Host, mode Mode) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		cfg:     cfg,
		ctl:     ctl,
		host:    host,
		mode:    mode,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		dial:    cfg.Dial,
		listen:  cfg.Listen,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		start:   time.Now(),
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNoopEngineMetrics()
	}
	if s.dial == nil {
		s.dial = defaultDial
	}
	if s.listen == nil {
		s.listen = defaultListen
	}
	s.gate.block()
	return s
}

// SetReader sets the local source of an upload.
func (s *Socket) SetReader(r bufpool.Reader, ascii bool) {
	s.reader = r
	s.ascii = ascii
}

// SetWriter sets the local destination of a download.
func (s *Socket) SetWriter(w bufpool.Writer, ascii bool) {
	s.writer = w
	s.ascii = ascii
}

// SetListSink sets the consumer of raw listing bytes. It is called from
// the transfer goroutine; the owner must not touch its state until the
// transfer ended.
func (s *Socket) SetListSink(fn func([]byte) error) {
	s.sink = fn
}

// Mode returns the transfer mode.
func (s *Socket) Mode() Mode { return s.mode }

// Reason returns the recorded end reason, EndNone while running.
func (s *Socket) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the error that ended the transfer, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Socket) log(t logging.Type, msg string, args ...any) {
	s.logger.Log(t, msg, args...)
}

func (s *Socket) controlNetwork() string {
	if a, ok := s.ctl.LocalAddr.(*net.TCPAddr); ok && a.IP.To4() == nil && a.IP != nil {
		return "tcp6"
	}
	return "tcp4"
}

// SetupActive opens the listener of an active mode transfer and returns
// the port to advertise, including the configured offset. The first
// accepted connection becomes the data connection.
func (s *Socket) SetupActive() (int, error) {
	var (
		ln  net.Listener
		err error
	)
	network := s.controlNetwork()
	if s.cfg.Ports.Enabled {
		ln, err = listenInRange(s.ctx, s.listen, network, s.cfg.Ports.Low, s.cfg.Ports.High)
	} else {
		ln, err = s.listen(s.ctx, network, ":0")
	}
	if err != nil {
		s.log(logging.DebugWarning, "could not listen for data connection", "error", err)
		return 0, err
	}

	port := listenerPort(ln)
	if s.cfg.Ports.Enabled {
		port += s.cfg.Ports.Offset
	}
	if port <= 0 || port >= 65536 {
		_ = ln.Close()
		s.log(logging.DebugWarning, "port outside valid range", "port", port)
		return 0, fmt.Errorf("transfer: advertised port %d outside valid range", port)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.accept(ln)
	return port, nil
}

func (s *Socket) accept(ln net.Listener) {
	c, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		if s.Reason() == EndNone {
			s.log(logging.Status, "could not accept connection", "error", err)
		}
		s.end(EndFailure, err)
		return
	}
	if tc, ok := c.(*net.TCPConn); ok && s.ctl.Dialer != nil {
		s.ctl.Dialer.Tune(tc)
	}

	st := socket.NewStack(c)
	if err := s.initLayers(st); err != nil {
		_ = st.Close()
		s.end(EndFailure, err)
		return
	}
	s.attach(st)
}

// SetupPassive starts connecting to the server's data endpoint. A connect
// failing with EADDRINUSE is retried once with a fresh socket.
func (s *Socket) SetupPassive(host string, port int) {
	go s.dialPassive(net.JoinHostPort(host, strconv.Itoa(port)), host)
}

func (s *Socket) dialPassive(address, host string) {
	for {
		st, err := s.dialOnce(address, host)
		if err == nil {
			s.attach(st)
			return
		}
		if s.ctx.Err() != nil {
			s.end(EndFailure, err)
			return
		}

		s.mu.Lock()
		s.attempts++
		retry := errors.Is(err, syscall.EADDRINUSE) && s.attempts < maxPassiveAttempts
		s.mu.Unlock()
		if !retry {
			s.log(logging.Error, "the data connection could not be established", "error", err)
			s.end(EndFailure, err)
			return
		}
		s.log(logging.DebugWarning, "the data connection could not be established, retrying", "error", err)
	}
}

// dialOnce binds the data connection to the control connection's local
// address only behind a proxy or when both connections go to the same
// host. Binding towards a different host could pick a wrong route.
func (s *Socket) dialOnce(address, host string) (*socket.Stack, error) {
	var d socket.Dialer
	if s.ctl.Dialer != nil {
		d = *s.ctl.Dialer
	}
	d.LocalAddr = nil

	if local, ok := s.ctl.LocalAddr.(*net.TCPAddr); ok {
		bind := d.Proxy.Enabled()
		if peer, ok := s.ctl.PeerAddr.(*net.TCPAddr); ok && peer.IP.Equal(net.ParseIP(host)) {
			bind = true
		}
		if bind {
			s.log(logging.DebugInfo, "binding data connection source to control connection source", "ip", local.IP)
			d.LocalAddr = &net.TCPAddr{IP: local.IP}
		} else {
			s.log(logging.DebugWarning, "data connection destination differs from control peer, not binding source address")
		}
	}

	c, err := s.dial(s.ctx, &d, address)
	if err != nil {
		return nil, err
	}
	st := socket.NewStack(c)
	if d.Layered() {
		if err := s.initLayersProxied(st, address); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	}
	if err := s.initLayers(st); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// initLayersProxied is initLayers with the proxy tunnel between rate
// limiting and TLS. Active mode connections never use it.
func (s *Socket) initLayersProxied(st *socket.Stack, target string) error {
	if err := s.pushBase(st); err != nil {
		return err
	}
	if err := st.Push(s.ctx, socket.Proxy(s.ctl.Dialer.Proxy, target)); err != nil {
		s.log(logging.Error, "proxy handshake failed", "error", err)
		return err
	}
	return s.pushUpper(st)
}

// initLayers builds activity tracking, rate limiting, TLS and ASCII
// translation in that order on top of the base transport.
func (s *Socket) initLayers(st *socket.Stack) error {
	if err := s.pushBase(st); err != nil {
		return err
	}
	return s.pushUpper(st)
}

func (s *Socket) pushBase(st *socket.Stack) error {
	if err := st.Push(s.ctx, socket.Activity(s.host.Activity)); err != nil {
		return err
	}
	return st.Push(s.ctx, socket.RateLimit(s.ctx, s.cfg.Inbound, s.cfg.Outbound))
}

func (s *Socket) pushUpper(st *socket.Stack) error {
	if s.ctl.TLS != nil {
		if err := st.Push(s.ctx, socket.TLSClient(s.dataTLSConfig())); err != nil {
			s.log(logging.Error, "TLS handshake of data connection failed", "error", err)
			return err
		}
	}
	if s.ascii {
		return st.Push(s.ctx, socket.ASCII())
	}
	return nil
}

func (s *Socket) cooperative() bool {
	return s.ctl.TLSState != nil && s.ctl.TLSState.NegotiatedProtocol == ALPNControl
}

// dataTLSConfig shares the control connection's session cache and server
// name so the handshake can resume. A full handshake must present the
// control connection's certificate.
func (s *Socket) dataTLSConfig() *tls.Config {
	cfg := s.ctl.TLS.Clone()
	cfg.NextProtos = nil
	if s.cooperative() {
		cfg.NextProtos = []string{ALPNData}
	}
	if s.cfg.TLSMinVersion != 0 {
		cfg.MinVersion = s.cfg.TLSMinVersion
	}

	var leaf []byte
	if s.ctl.TLSState != nil && len(s.ctl.TLSState.PeerCertificates) > 0 {
		leaf = s.ctl.TLSState.PeerCertificates[0].Raw
	}
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if cs.DidResume || leaf == nil {
			return nil
		}
		if len(cs.PeerCertificates) == 0 || !bytes.Equal(cs.PeerCertificates[0].Raw, leaf) {
			return ErrCertificateMismatch
		}
		return nil
	}
	return cfg
}

// attach hands a fully layered connection to the event loop.
func (s *Socket) attach(st *socket.Stack) {
	s.mu.Lock()
	if s.reason != EndNone {
		s.mu.Unlock()
		_ = st.Close()
		return
	}
	s.stack = st
	s.mu.Unlock()

	s.host.Post(s.onConnect)
}

// onConnect runs on the event loop once the data connection is up.
func (s *Socket) onConnect() {
	if s.Reason() != EndNone {
		return
	}
	s.log(logging.DebugVerbose, "data connection established", "mode", s.mode)

	if tc, ok := socket.TLSConn(s.stack); ok {
		if !s.applyResumptionPolicy(tc.ConnectionState()) {
			return
		}
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.signal(eventRecv)
	if s.mode == ModeUpload {
		s.signal(eventSend)
	}
}

func (s *Socket) applyResumptionPolicy(cs tls.ConnectionState) bool {
	server := s.ctl.Server
	known := capabilities.Unknown
	if s.cfg.Caps != nil {
		known = s.cfg.Caps.Get(server, capabilities.TLSResumption)
	}

	switch ResumptionPolicy(s.cooperative(), cs.DidResume, known) {
	case DecisionFatal:
		s.log(logging.Error, "TLS session of data connection was not resumed")
		s.end(EndFailedTLSResumption, nil)
		return false
	case DecisionRecordYes:
		if s.cooperative() && cs.NegotiatedProtocol != ALPNData {
			s.log(logging.Error, "wrong ALPN on data connection", "alpn", cs.NegotiatedProtocol)
			s.end(EndWrongTLSALPN, nil)
			return false
		}
		if s.cfg.Caps != nil {
			s.cfg.Caps.Set(server, capabilities.TLSResumption, capabilities.Yes)
		}
		s.host.ResumptionConfirmed(server)
	case DecisionAskUser:
		s.mu.Lock()
		s.gate.block()
		s.mu.Unlock()
		s.host.AskNoResumption(server, func(ok bool) {
			if !ok {
				s.end(EndFailedTLSResumption, nil)
				return
			}
			s.unblock()
		})
	case DecisionContinue:
		if s.cooperative() && cs.NegotiatedProtocol != ALPNData {
			s.log(logging.Error, "wrong ALPN on data connection", "alpn", cs.NegotiatedProtocol)
			s.end(EndWrongTLSALPN, nil)
			return false
		}
	}
	return true
}

// Activate lifts the initial block once the server accepted the transfer
// command. Events seen before are replayed now.
func (s *Socket) Activate() {
	if s.Reason() != EndNone {
		return
	}
	s.unblock()
}

func (s *Socket) unblock() {
	s.mu.Lock()
	replay := s.gate.unblock()
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return
	}
	for _, ev := range replay {
		if s.Reason() != EndNone {
			return
		}
		s.log(logging.DebugVerbose, "executing postponed event", "event", ev)
		s.run(ev)
	}
}

func (s *Socket) signal(ev event) {
	s.mu.Lock()
	postponed := s.gate.postpone(ev)
	s.mu.Unlock()
	if postponed {
		s.log(logging.DebugVerbose, "postponing event while blocked", "event", ev)
		return
	}
	s.run(ev)
}

// run starts the pump for ev. Each direction is pumped by one goroutine
// for the lifetime of the connection.
func (s *Socket) run(ev event) {
	s.mu.Lock()
	top := s.stack.Top()
	start := false
	switch ev {
	case eventRecv:
		start, s.recvStarted = !s.recvStarted, true
	case eventSend:
		start, s.sendStarted = !s.sendStarted, true
	}
	s.mu.Unlock()
	if !start {
		return
	}

	switch {
	case ev == eventSend:
		go s.upload(top)
	case s.mode == ModeUpload:
		go s.watchUpload(top)
	case s.mode == ModeList:
		go s.list(top)
	case s.mode == ModeResumeTest:
		go s.resumeTest(top)
	default:
		go s.download(top)
	}
}

// waiter is handed to pools, readers and writers returning Wait.
func (s *Socket) waiter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// wait blocks until the last waiter fired. It reports false when the
// transfer is being torn down.
func (s *Socket) wait() bool {
	select {
	case <-s.wake:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Socket) download(top net.Conn) {
	if s.writer == nil {
		s.end(EndFailureCritical, ErrNoReader)
		return
	}
	var buf *bufpool.Buffer
	for {
		if buf == nil {
			b, st := s.cfg.Pool.Get(s.waiter)
			if st == bufpool.Wait {
				if !s.wait() {
					return
				}
				continue
			}
			buf = b
		}

		n, err := top.Read(buf.Space())
		buf.Commit(n)
		if n > 0 {
			s.metrics.RecordBytes("in", int64(n))
		}
		if buf.Full() {
			if !s.handOff(buf) {
				return
			}
			buf = nil
		}
		if errors.Is(err, io.EOF) {
			s.finalizeWrite(buf)
			return
		}
		if err != nil {
			if buf != nil {
				buf.Release()
			}
			s.fail(err)
			return
		}
	}
}

// handOff passes a filled buffer to the writer, waiting out backpressure.
func (s *Socket) handOff(buf *bufpool.Buffer) bool {
	switch s.writer.AddBuffer(buf, s.waiter) {
	case bufpool.Wait:
		return s.wait()
	case bufpool.Error:
		s.log(logging.Error, "could not write to local file", "error", s.writer.Err())
		s.end(EndFailureCritical, s.writer.Err())
		return false
	}
	return true
}

func (s *Socket) finalizeWrite(buf *bufpool.Buffer) {
	if buf != nil {
		if buf.Len() == 0 {
			buf.Release()
		} else if !s.handOff(buf) {
			return
		}
	}
	for {
		switch s.writer.Finalize(s.waiter) {
		case bufpool.OK:
			s.end(EndSuccessful, nil)
			return
		case bufpool.Error:
			s.log(logging.Error, "could not finalize local file", "error", s.writer.Err())
			s.end(EndFailureCritical, s.writer.Err())
			return
		}
		if !s.wait() {
			return
		}
	}
}

func (s *Socket) upload(top net.Conn) {
	if s.reader == nil {
		s.end(EndFailureCritical, ErrNoReader)
		return
	}
	for {
		buf, st := s.reader.GetBuffer(s.waiter)
		switch st {
		case bufpool.Wait:
			if !s.wait() {
				return
			}
			continue
		case bufpool.Error:
			s.log(logging.Error, "could not read from local file", "error", s.reader.Err())
			s.end(EndFailureCritical, s.reader.Err())
			return
		}
		if buf == nil {
			if err := s.shutdownWrite(); err != nil {
				s.fail(err)
				return
			}
			s.end(EndSuccessful, nil)
			return
		}

		for buf.Len() > 0 {
			n, err := top.Write(buf.Bytes())
			buf.Consume(n)
			if n > 0 {
				s.metrics.RecordBytes("out", int64(n))
			}
			if err != nil {
				buf.Release()
				s.fail(err)
				return
			}
		}
		buf.Release()
	}
}

// watchUpload fails an upload when the server sends anything back.
func (s *Socket) watchUpload(top net.Conn) {
	discard := make([]byte, 1024)
	for {
		n, err := top.Read(discard)
		if n > 0 {
			s.log(logging.Error, "received data from the server during an upload")
			s.end(EndFailure, ErrUnexpectedData)
			return
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Socket) list(top net.Conn) {
	if s.sink == nil {
		s.end(EndFailureCritical, ErrNoReader)
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := top.Read(buf)
		if n > 0 {
			s.metrics.RecordBytes("in", int64(n))
			if serr := s.sink(buf[:n]); serr != nil {
				s.end(EndFailure, serr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			s.end(EndSuccessful, nil)
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Socket) resumeTest(top net.Conn) {
	var tmp [2]byte
	for {
		n, err := top.Read(tmp[:])
		s.resumeBytes += n
		if s.resumeBytes > 1 {
			s.log(logging.DebugWarning, "server incorrectly sent bytes", "count", s.resumeBytes)
			s.end(EndFailedResumeTest, nil)
			return
		}
		if errors.Is(err, io.EOF) {
			if s.resumeBytes == 1 {
				s.end(EndSuccessful, nil)
			} else {
				s.log(logging.DebugWarning, "server incorrectly sent bytes", "count", s.resumeBytes)
				s.end(EndFailedResumeTest, nil)
			}
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

// fail ends a running transfer after an I/O error. Errors caused by our
// own teardown are not reported again.
func (s *Socket) fail(err error) {
	if s.Reason() != EndNone {
		return
	}
	s.log(logging.Error, "transfer connection interrupted", "error", err)
	s.end(EndFailure, err)
}

func (s *Socket) shutdownWrite() error {
	var err error
	s.shutdown.Do(func() {
		s.mu.Lock()
		st := s.stack
		s.mu.Unlock()
		if st != nil {
			err = st.Shutdown()
		}
	})
	return err
}

// end records the first terminal reason. Failures tear the connection
// down at once; success half-closes the write side. The owner is told on
// its event loop.
func (s *Socket) end(reason EndReason, err error) {
	s.mu.Lock()
	if s.reason != EndNone {
		s.mu.Unlock()
		return
	}
	s.reason = reason
	s.err = err
	s.mu.Unlock()

	s.log(logging.DebugVerbose, "transfer end", "reason", reason)
	if reason == EndSuccessful {
		_ = s.shutdownWrite()
	} else {
		s.reset()
	}
	s.metrics.RecordTransfer(s.mode.String(), reason.String(), time.Since(s.start))
	s.host.Post(func() { s.host.TransferEnded(reason, err) })
}

// reset tears down the listener and the socket stack.
func (s *Socket) reset() {
	s.cancel()
	s.mu.Lock()
	ln, st := s.listener, s.stack
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if st != nil {
		_ = st.Close()
	}
}

// Close releases everything the socket holds. A transfer still running
// is abandoned without an end notification.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.reason == EndNone {
		s.reason = EndFailure
		s.err = net.ErrClosed
	}
	s.mu.Unlock()
	s.reset()
	if s.reader != nil {
		_ = s.reader.Close()
	}
	if s.writer != nil {
		_ = s.writer.Close()
	}
	return nil
}
