package ftpengine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/dircache"
	"github.com/gonzalop/ftpengine/internal/extip"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/metrics"
	"github.com/gonzalop/ftpengine/internal/options"
	"github.com/gonzalop/ftpengine/internal/serverpath"
	"github.com/gonzalop/ftpengine/internal/socket"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

// engine is the state of one control connection. Everything below the
// loop fields is owned by the event loop goroutine.
type engine struct {
	server   string
	host     string
	logger   *logging.Logger
	metrics  metrics.EngineMetrics
	opts     *options.Store
	caps     capabilities.Store
	cache    *dircache.Cache
	notifier ListingNotifier
	asks     AsyncRequestHandler
	resolver *extip.Resolver
	locks    *LockManager
	dialer   *socket.Dialer
	xfer     *transfer.Config

	tlsConfig   *tls.Config
	disableEPSV bool
	forceActive bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []func()
	stopped  bool
	signal   chan struct{}
	loopDone chan struct{}

	busy         atomic.Bool
	timedOut     atomic.Bool
	lastActivity atomic.Int64
	stackRef     atomic.Pointer[socket.Stack]

	stack        *socket.Stack
	reader       *bufio.Reader
	arm          chan *bufio.Reader
	reading      bool
	pending      int
	tlsState     *tls.ConnectionState
	protected    bool
	features     map[string]string
	currentPath  serverpath.Path
	transferType string
	ops          []*entry
	deferred     []func()
	dead         bool
}

func newEngine(c *Client) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		server:      c.server,
		host:        c.host,
		logger:      c.logger,
		metrics:     c.metrics,
		opts:        c.opts,
		caps:        c.caps,
		cache:       c.cache,
		notifier:    c.notifier,
		asks:        c.asks,
		resolver:    c.resolver,
		locks:       c.locks,
		tlsConfig:   c.tlsConfig,
		disableEPSV: c.disableEPSV,
		forceActive: c.activeMode,
		ctx:         ctx,
		cancel:      cancel,
		signal:      make(chan struct{}, 1),
		loopDone:    make(chan struct{}),
		arm:         make(chan *bufio.Reader, 1),
		features:    map[string]string{},
	}
	e.dialer = &socket.Dialer{
		LocalAddr:  c.localAddr,
		Timeout:    time.Duration(e.opts.Int("connection.timeout")) * time.Millisecond,
		RecvBuffer: int(e.opts.Int("transfer.socket_recv_buffer")),
		SendBuffer: int(e.opts.Int("transfer.socket_send_buffer")),
		Proxy:      c.proxy,
	}
	if c.proxy.Enabled() && c.proxy.Type == socket.ProxySSH {
		e.dialer.Tunnel = socket.NewSSHTunnel(c.proxy, e.logger.Slog())
	}

	tlsMin, err := socket.ParseTLSVersion(e.opts.String("tls.min_version"))
	if err != nil {
		tlsMin = tls.VersionTLS12
	}
	e.xfer = &transfer.Config{
		Pool:     c.resources.pool,
		Inbound:  c.resources.inbound,
		Outbound: c.resources.outbound,
		Ports: transfer.PortRange{
			Enabled: e.opts.Bool("transfer.limit_ports"),
			Low:     int(e.opts.Int("transfer.limit_ports_low")),
			High:    int(e.opts.Int("transfer.limit_ports_high")),
			Offset:  int(e.opts.Int("transfer.limit_ports_offset")),
		},
		TLSMinVersion: tlsMin,
		Caps:          e.caps,
		Metrics:       e.metrics,
		Logger:        e.logger,
		Dial:          c.dataDial,
		Listen:        c.dataListen,
	}
	e.touch()
	return e
}

func (e *engine) log(t logging.Type, msg string, args ...any) {
	e.logger.Log(t, msg, args...)
}

// post queues fn for the event loop. It never blocks and may be called
// from any goroutine. Functions posted after shutdown are dropped.
func (e *engine) post(fn func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *engine) next() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	fn := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return fn
}

// run is the event loop. Every closure runs to completion before the
// next one starts.
func (e *engine) run() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.signal:
		case <-e.ctx.Done():
			e.mu.Lock()
			e.stopped = true
			e.queue = nil
			e.mu.Unlock()
			return
		}
		for fn := e.next(); fn != nil; fn = e.next() {
			fn()
		}
	}
}

// call runs fn on the loop and waits for it.
func (e *engine) call(fn func()) error {
	done := make(chan struct{})
	e.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-e.loopDone:
		return ErrNotConnected
	}
}

// start pushes a root operation. An internal operation still running
// delays op until the stack is empty.
func (e *engine) start(op operation, done func(error)) {
	if e.dead {
		done(ErrNotConnected)
		return
	}
	if root := e.root(); root != nil {
		if _, internal := root.op.(*keepaliveOp); !internal {
			done(ErrBusy)
			return
		}
		e.deferred = append(e.deferred, func() { e.start(op, done) })
		return
	}
	e.push(op, done)
	e.drive()
}

func (e *engine) root() *entry {
	if len(e.ops) == 0 {
		return nil
	}
	return e.ops[0]
}

// idle runs one delayed start once the stack emptied.
func (e *engine) idle() {
	if len(e.deferred) == 0 || len(e.ops) > 0 {
		return
	}
	fn := e.deferred[0]
	e.deferred = e.deferred[1:]
	fn()
}

// exec runs op as a root operation and waits for it. Cancelling ctx
// tears the connection down, since the server side state of an abandoned
// command is unknown.
func (e *engine) exec(ctx context.Context, op operation) error {
	errc := make(chan error, 1)
	e.post(func() {
		e.start(op, func(err error) { errc <- err })
	})
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		e.post(func() { e.reset(ctx.Err()) })
		select {
		case err := <-errc:
			return err
		case <-e.loopDone:
			return ctx.Err()
		}
	case <-e.loopDone:
		return ErrNotConnected
	}
}

// attach installs the control connection's socket stack.
func (e *engine) attach(st *socket.Stack) {
	e.stack = st
	e.stackRef.Store(st)
	e.reader = bufio.NewReader(st.Top())
	if tc, ok := socket.TLSConn(st); ok {
		cs := tc.ConnectionState()
		e.tlsState = &cs
	}
	go e.readLoop()
}

// readLoop reads one reply each time it is armed, so no read is pending
// while the control connection is being relayered.
func (e *engine) readLoop() {
	for {
		var r *bufio.Reader
		select {
		case r = <-e.arm:
		case <-e.ctx.Done():
			return
		}
		resp, err := readResponse(r)
		e.post(func() { e.received(resp, err) })
		if err != nil {
			return
		}
	}
}

func (e *engine) armReader() {
	if e.reading || e.dead {
		return
	}
	e.reading = true
	e.arm <- e.reader
}

// expectReply registers one outstanding reply.
func (e *engine) expectReply() {
	e.pending++
	e.armReader()
}

func (e *engine) received(r *Response, err error) {
	e.reading = false
	if e.dead {
		return
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("server closed the connection: %w", err)
		}
		e.reset(err)
		return
	}

	e.touch()
	for _, line := range r.Lines {
		e.log(logging.Reply, line)
	}
	e.metrics.RecordReply(r.Code)

	if r.Is1xx() {
		e.armReader()
	} else {
		if e.pending > 0 {
			e.pending--
		}
		if e.pending > 0 {
			e.armReader()
		}
	}
	e.onReply(r)
}

// sendCommand writes one command line and waits for its reply.
func (e *engine) sendCommand(cmd string) result {
	if e.stack == nil || e.dead {
		return lostConnection(ErrNotConnected)
	}
	e.log(logging.Command, logging.MaskCommand(cmd))
	verb, _, _ := strings.Cut(cmd, " ")
	e.metrics.RecordCommand(strings.ToUpper(verb))

	if _, err := io.WriteString(e.stack.Top(), cmd+"\r\n"); err != nil {
		return lostConnection(fmt.Errorf("failed to send command: %w", err))
	}
	e.touch()
	e.expectReply()
	return suspend()
}

// reset aborts every operation without running completion steps. Waiting
// callers get ErrDisconnected, locks and sockets are released and the
// control connection is closed. The engine is unusable afterwards.
func (e *engine) reset(cause error) {
	if e.dead {
		return
	}
	e.dead = true
	switch {
	case e.timedOut.Load():
		cause = ErrTimeout
	case cause == nil:
		cause = ErrDisconnected
	}
	e.log(logging.Error, "disconnected from server", "error", cause)

	ops := e.ops
	e.ops = nil
	e.busy.Store(false)
	for i := len(ops) - 1; i >= 0; i-- {
		release(ops[i])
	}
	if e.stack != nil {
		_ = e.stack.Close()
	}
	e.currentPath = serverpath.Path{}
	e.pending = 0

	err := cause
	if !errors.Is(err, ErrDisconnected) {
		err = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}
	for _, t := range ops {
		if t.done != nil {
			t.done(err)
		}
	}
	deferred := e.deferred
	e.deferred = nil
	for _, fn := range deferred {
		fn()
	}
}

// shutdown stops the loop and closes everything.
func (e *engine) shutdown() {
	_ = e.call(func() { e.reset(ErrNotConnected) })
	e.cancel()
	<-e.loopDone
	if e.dialer.Tunnel != nil {
		_ = e.dialer.Tunnel.Close()
	}
}

// controlStack may be called from any goroutine.
func (e *engine) controlStack() *socket.Stack {
	return e.stackRef.Load()
}

func (e *engine) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// activity is the activity layer callback of control and data connections.
func (e *engine) activity(read, written int) {
	e.touch()
	if read > 0 {
		e.metrics.RecordBytes("in", int64(read))
	}
	if written > 0 {
		e.metrics.RecordBytes("out", int64(written))
	}
}

// ask forwards req to the async request handler. answer runs on the loop.
func (e *engine) ask(req Request, answer func(bool)) {
	if e.asks == nil {
		e.log(logging.Status, "no handler for request, refusing", "request", req)
		e.post(func() { answer(false) })
		return
	}
	go func() {
		ok := e.asks(e.ctx, req)
		e.post(func() { answer(ok) })
	}()
}

// listingChanged invalidates nothing; it only tells the notifier.
func (e *engine) listingChanged(dir serverpath.Path) {
	if e.notifier != nil {
		e.notifier.ListingChanged(e.server, dir.String())
	}
}

// control describes the control connection to a new data connection.
func (e *engine) control() transfer.Control {
	ctl := transfer.Control{
		Server: e.server,
		Dialer: e.dialer,
	}
	if base := e.stack.Base(); base != nil {
		ctl.LocalAddr = base.LocalAddr()
		ctl.PeerAddr = base.RemoteAddr()
	}
	if e.protected && e.tlsConfig != nil {
		ctl.TLS = e.tlsConfig
		ctl.TLSState = e.tlsState
	}
	return ctl
}

func (e *engine) peerIP() net.IP {
	if base := e.stack.Base(); base != nil {
		if a, ok := base.RemoteAddr().(*net.TCPAddr); ok {
			return a.IP
		}
	}
	return nil
}

func (e *engine) localIP() net.IP {
	if base := e.stack.Base(); base != nil {
		if a, ok := base.LocalAddr().(*net.TCPAddr); ok {
			return a.IP
		}
	}
	return nil
}

func (e *engine) hasFeature(name string) bool {
	_, ok := e.features[name]
	return ok
}
