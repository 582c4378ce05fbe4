package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpengine/internal/bufpool"
	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/socket"
)

type endEvent struct {
	reason EndReason
	err    error
}

// testHost runs posted functions in order on a single goroutine, like the
// control connection's event loop.
type testHost struct {
	loop  chan func()
	ended chan endEvent
	asked chan func(bool)

	mu        sync.Mutex
	confirmed []string
	read      int
	written   int
}

func newTestHost(t *testing.T) *testHost {
	h := &testHost{
		loop:  make(chan func(), 64),
		ended: make(chan endEvent, 4),
		asked: make(chan func(bool), 1),
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case fn := <-h.loop:
				fn()
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
	return h
}

func (h *testHost) Post(fn func()) { h.loop <- fn }

func (h *testHost) Activity(read, written int) {
	h.mu.Lock()
	h.read += read
	h.written += written
	h.mu.Unlock()
}

func (h *testHost) AskNoResumption(_ string, answer func(bool)) { h.asked <- answer }

func (h *testHost) ResumptionConfirmed(server string) {
	h.mu.Lock()
	h.confirmed = append(h.confirmed, server)
	h.mu.Unlock()
}

func (h *testHost) TransferEnded(reason EndReason, err error) {
	h.ended <- endEvent{reason, err}
}

func (h *testHost) waitEnd(t *testing.T) endEvent {
	t.Helper()
	select {
	case ev := <-h.ended:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not end")
	}
	return endEvent{}
}

func loopback() *net.TCPAddr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func testControl() Control {
	return Control{
		Server:    "ftp.example.com:21",
		LocalAddr: loopback(),
		PeerAddr:  loopback(),
		Dialer:    &socket.Dialer{Timeout: 5 * time.Second},
	}
}

// serveOnce accepts one data connection and hands it to fn.
func serveOnce(t *testing.T, fn func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		fn(c)
	}()
	a := ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func TestResumptionPolicyTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cooperative bool
		resumed     bool
		known       capabilities.Tri
		want        Decision
	}{
		{true, false, capabilities.Unknown, DecisionFatal},
		{true, false, capabilities.Yes, DecisionFatal},
		{true, false, capabilities.No, DecisionFatal},
		{true, true, capabilities.Unknown, DecisionRecordYes},
		{true, true, capabilities.Yes, DecisionContinue},
		{true, true, capabilities.No, DecisionRecordYes},
		{false, false, capabilities.Unknown, DecisionAskUser},
		{false, false, capabilities.Yes, DecisionFatal},
		{false, false, capabilities.No, DecisionContinue},
		{false, true, capabilities.Unknown, DecisionRecordYes},
		{false, true, capabilities.Yes, DecisionContinue},
		{false, true, capabilities.No, DecisionRecordYes},
	}
	for _, tt := range tests {
		name := "cooperative=" + strconv.FormatBool(tt.cooperative) +
			"/resumed=" + strconv.FormatBool(tt.resumed) + "/" + tt.known.String()
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ResumptionPolicy(tt.cooperative, tt.resumed, tt.known))
		})
	}
}

func TestGateReplaysOnce(t *testing.T) {
	t.Parallel()

	var g gate
	assert.False(t, g.postpone(eventRecv), "open gate does not postpone")

	g.block()
	g.block()
	assert.True(t, g.postpone(eventSend))
	assert.True(t, g.postpone(eventRecv))
	assert.True(t, g.postpone(eventRecv))

	assert.Empty(t, g.unblock(), "still blocked once")
	assert.Equal(t, []event{eventRecv, eventSend}, g.unblock())
	assert.Empty(t, g.unblock(), "events are replayed once")
	assert.False(t, g.blocked())
}

type fakeListener struct {
	port int
	busy map[int]bool
	mu   *sync.Mutex
}

func (l *fakeListener) Accept() (net.Conn, error) { return nil, net.ErrClosed }
func (l *fakeListener) Close() error {
	l.mu.Lock()
	delete(l.busy, l.port)
	l.mu.Unlock()
	return nil
}
func (l *fakeListener) Addr() net.Addr { return &net.TCPAddr{Port: l.port} }

func TestListenInRange(t *testing.T) {
	const low, high = 40000, 40009

	var mu sync.Mutex
	busy := map[int]bool{40003: true}
	listen := func(_ context.Context, _, address string) (net.Listener, error) {
		_, p, err := net.SplitHostPort(address)
		require.NoError(t, err)
		port, err := strconv.Atoi(p)
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		if busy[port] {
			return nil, &net.OpError{Op: "listen", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
		}
		busy[port] = true
		return &fakeListener{port: port, busy: busy, mu: &mu}, nil
	}

	seen := map[int]bool{}
	for range high - low {
		ln, err := listenInRange(context.Background(), listen, "tcp4", low, high)
		require.NoError(t, err)
		port := listenerPort(ln)
		assert.GreaterOrEqual(t, port, low)
		assert.LessOrEqual(t, port, high)
		assert.NotEqual(t, 40003, port, "port held elsewhere")
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}

	_, err := listenInRange(context.Background(), listen, "tcp4", low, high)
	assert.ErrorIs(t, err, ErrNoPorts)
}

func TestPassiveRetriesAddressInUseOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		attempts int
		warnings int
	}{
		{"address in use", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EADDRINUSE)}, 2, 1},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var mu sync.Mutex
			attempts := 0
			levels := &levelCounter{}
			logger := logging.New(slog.New(levels))
			logger.SetDebugLevel(1)
			cfg := &Config{
				Pool:   bufpool.NewPool(2, 1024),
				Logger: logger,
				Dial: func(context.Context, *socket.Dialer, string) (net.Conn, error) {
					mu.Lock()
					attempts++
					mu.Unlock()
					return nil, tt.err
				},
			}
			h := newTestHost(t)
			s := New(cfg, testControl(), h, ModeDownload)
			defer s.Close()

			s.SetupPassive("127.0.0.1", 2121)
			ev := h.waitEnd(t)
			assert.Equal(t, EndFailure, ev.reason)
			assert.ErrorIs(t, ev.err, tt.err)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.attempts, attempts)
			// Only the attempt that ends the transfer is an error.
			assert.Equal(t, 1, levels.count(slog.LevelError))
			assert.Equal(t, tt.warnings, levels.count(slog.LevelWarn))
		})
	}
}

// levelCounter counts records per level.
type levelCounter struct {
	mu     sync.Mutex
	counts map[slog.Level]int
}

func (h *levelCounter) Enabled(context.Context, slog.Level) bool { return true }

func (h *levelCounter) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts == nil {
		h.counts = map[slog.Level]int{}
	}
	h.counts[r.Level]++
	return nil
}

func (h *levelCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *levelCounter) WithGroup(string) slog.Handler      { return h }

func (h *levelCounter) count(l slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[l]
}

func TestPassiveDownload(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789"), 700)
	host, port := serveOnce(t, func(c net.Conn) {
		_, _ = c.Write(payload)
	})

	var out bytes.Buffer
	w := bufpool.NewWriter(&out, 2)
	h := newTestHost(t)
	s := New(&Config{Pool: bufpool.NewPool(3, 1000)}, testControl(), h, ModeDownload)
	s.SetWriter(w, false)
	defer s.Close()

	s.SetupPassive(host, port)
	s.Activate()

	ev := h.waitEnd(t)
	require.Equal(t, EndSuccessful, ev.reason, "err: %v", ev.err)
	assert.Equal(t, payload, out.Bytes())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, len(payload), h.read)
}

func TestDownloadAscii(t *testing.T) {
	t.Parallel()

	host, port := serveOnce(t, func(c net.Conn) {
		_, _ = io.WriteString(c, "line1\r\nline2\r\n")
	})

	var out bytes.Buffer
	h := newTestHost(t)
	s := New(&Config{Pool: bufpool.NewPool(2, 64)}, testControl(), h, ModeDownload)
	s.SetWriter(bufpool.NewWriter(&out, 2), true)
	defer s.Close()

	s.SetupPassive(host, port)
	s.Activate()
	require.Equal(t, EndSuccessful, h.waitEnd(t).reason)
	assert.Equal(t, "line1\nline2\n", out.String())
}

// gatedReader returns Wait until release is called, then hands out data
// in a single buffer.
type gatedReader struct {
	pool *bufpool.Pool

	mu     sync.Mutex
	data   []byte
	ready  bool
	sent   bool
	waiter bufpool.Waiter
}

func (r *gatedReader) GetBuffer(w bufpool.Waiter) (*bufpool.Buffer, bufpool.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		r.waiter = w
		return nil, bufpool.Wait
	}
	if r.sent {
		return nil, bufpool.OK
	}
	b, _ := r.pool.Get(nil)
	b.Commit(copy(b.Space(), r.data))
	r.sent = true
	return b, bufpool.OK
}

func (r *gatedReader) Err() error   { return nil }
func (r *gatedReader) Close() error { return nil }

func (r *gatedReader) release(data []byte) {
	r.mu.Lock()
	r.data = data
	r.ready = true
	w := r.waiter
	r.waiter = nil
	r.mu.Unlock()
	if w != nil {
		w()
	}
}

func TestUploadWaitsForReader(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)
	firstByte := make(chan struct{}, 1)
	host, port := serveOnce(t, func(c net.Conn) {
		var got bytes.Buffer
		buf := make([]byte, 64)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				select {
				case firstByte <- struct{}{}:
				default:
				}
			}
			got.Write(buf[:n])
			if err != nil {
				break
			}
		}
		received <- got.Bytes()
	})

	pool := bufpool.NewPool(2, 1024)
	r := &gatedReader{pool: pool}
	h := newTestHost(t)
	s := New(&Config{Pool: pool}, testControl(), h, ModeUpload)
	s.SetReader(r, false)
	defer s.Close()

	s.SetupPassive(host, port)
	s.Activate()

	select {
	case <-firstByte:
		t.Fatal("bytes written before the reader had data")
	case <-time.After(100 * time.Millisecond):
	}

	r.release([]byte("upload payload"))
	require.Equal(t, EndSuccessful, h.waitEnd(t).reason)
	assert.Equal(t, "upload payload", string(<-received))
}

func TestUploadFailsOnIncomingData(t *testing.T) {
	t.Parallel()

	host, port := serveOnce(t, func(c net.Conn) {
		_, _ = io.WriteString(c, "unexpected")
		time.Sleep(200 * time.Millisecond)
	})

	pool := bufpool.NewPool(2, 1024)
	h := newTestHost(t)
	s := New(&Config{Pool: pool}, testControl(), h, ModeUpload)
	s.SetReader(&gatedReader{pool: pool}, false)
	defer s.Close()

	s.SetupPassive(host, port)
	s.Activate()
	ev := h.waitEnd(t)
	assert.Equal(t, EndFailure, ev.reason)
	assert.ErrorIs(t, ev.err, ErrUnexpectedData)
}

func TestResumeTest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		send string
		want EndReason
	}{
		{"one byte", "x", EndSuccessful},
		{"nothing", "", EndFailedResumeTest},
		{"two bytes", "xy", EndFailedResumeTest},
		{"many bytes", "xyzzy", EndFailedResumeTest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			host, port := serveOnce(t, func(c net.Conn) {
				_, _ = io.WriteString(c, tt.send)
			})
			h := newTestHost(t)
			s := New(&Config{Pool: bufpool.NewPool(1, 16)}, testControl(), h, ModeResumeTest)
			defer s.Close()

			s.SetupPassive(host, port)
			s.Activate()
			assert.Equal(t, tt.want, h.waitEnd(t).reason)
		})
	}
}

func TestListStreamsToSink(t *testing.T) {
	t.Parallel()

	listing := bytes.Repeat([]byte("-rw-r--r-- 1 ftp ftp 0 Jan 1 00:00 file\r\n"), 300)
	host, port := serveOnce(t, func(c net.Conn) {
		_, _ = c.Write(listing)
	})

	var got bytes.Buffer
	h := newTestHost(t)
	s := New(&Config{}, testControl(), h, ModeList)
	s.SetListSink(func(b []byte) error {
		assert.LessOrEqual(t, len(b), 4096)
		got.Write(b)
		return nil
	})
	defer s.Close()

	s.SetupPassive(host, port)
	s.Activate()
	require.Equal(t, EndSuccessful, h.waitEnd(t).reason)
	assert.Equal(t, listing, got.Bytes())
}

func TestListSinkErrorFails(t *testing.T) {
	t.Parallel()

	host, port := serveOnce(t, func(c net.Conn) {
		_, _ = io.WriteString(c, "garbage")
		time.Sleep(100 * time.Millisecond)
	})
	boom := errors.New("parse error")
	h := newTestHost(t)
	s := New(&Config{}, testControl(), h, ModeList)
	s.SetListSink(func([]byte) error { return boom })
	defer s.Close()

	s.SetupPassive(host, port)
	s.Activate()
	ev := h.waitEnd(t)
	assert.Equal(t, EndFailure, ev.reason)
	assert.ErrorIs(t, ev.err, boom)
}

func TestActiveDownload(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	h := newTestHost(t)
	s := New(&Config{Pool: bufpool.NewPool(2, 128)}, testControl(), h, ModeDownload)
	s.SetWriter(bufpool.NewWriter(&out, 2), false)
	defer s.Close()

	port, err := s.SetupActive()
	require.NoError(t, err)

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	_, _ = io.WriteString(c, "active data")
	_ = c.Close()

	s.Activate()
	require.Equal(t, EndSuccessful, h.waitEnd(t).reason)
	assert.Equal(t, "active data", out.String())
}

func TestBlockedUntilActivated(t *testing.T) {
	t.Parallel()

	host, port := serveOnce(t, func(c net.Conn) {
		_, _ = io.WriteString(c, "x")
	})
	h := newTestHost(t)
	s := New(&Config{}, testControl(), h, ModeResumeTest)
	defer s.Close()
	s.SetupPassive(host, port)

	select {
	case <-h.ended:
		t.Fatal("transfer ran before activation")
	case <-time.After(100 * time.Millisecond):
	}
	s.Activate()
	assert.Equal(t, EndSuccessful, h.waitEnd(t).reason)
}

func TestFirstEndReasonWins(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	s := New(&Config{}, testControl(), h, ModeDownload)
	defer s.Close()

	s.end(EndFailedResumeTest, nil)
	s.end(EndSuccessful, nil)
	s.end(EndFailureCritical, errors.New("late"))

	assert.Equal(t, EndFailedResumeTest, h.waitEnd(t).reason)
	assert.Equal(t, EndFailedResumeTest, s.Reason())
	select {
	case ev := <-h.ended:
		t.Fatalf("second end notification %v", ev.reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPortFormatting(t *testing.T) {
	t.Parallel()

	for _, port := range []int{1, 255, 256, 21, 50069, 65535} {
		ip := net.IPv4(192, 168, 1, 100)
		args, err := FormatPORT(ip, port)
		require.NoError(t, err)
		gotIP, gotPort, err := ParsePORT(args)
		require.NoError(t, err)
		assert.True(t, ip.Equal(gotIP))
		assert.Equal(t, port, gotPort)
	}

	args, err := FormatPORT(net.IPv4(10, 0, 0, 1), 50000)
	require.NoError(t, err)
	assert.Equal(t, "10,0,0,1,195,80", args)

	verb, args, err := PortCommand(net.ParseIP("2001:db8::1"), 6446)
	require.NoError(t, err)
	assert.Equal(t, "EPRT", verb)
	assert.Equal(t, "|2|2001:db8::1|6446|", args)

	_, err = FormatPORT(net.ParseIP("::1"), 21)
	assert.Error(t, err)
}

func TestParsePassiveReplies(t *testing.T) {
	t.Parallel()

	host, port, err := ParsePASV("227 Entering Passive Mode (192,168,1,1,195,149)")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", host)
	assert.Equal(t, 50069, port)

	_, _, err = ParsePASV("227 Entering Passive Mode (256,1,1,1,1,1)")
	assert.Error(t, err)

	port, err = ParseEPSV("229 Entering Extended Passive Mode (|||6446|)")
	require.NoError(t, err)
	assert.Equal(t, 6446, port)

	_, err = ParseEPSV("229 Entering Extended Passive Mode (|!|6446|)")
	assert.Error(t, err)

	assert.Equal(t, "203.0.113.5", DataHost("0.0.0.0", net.ParseIP("203.0.113.5")))
	assert.Equal(t, "203.0.113.5", DataHost("10.0.0.1", net.ParseIP("203.0.113.5")))
	assert.Equal(t, "10.0.0.1", DataHost("10.0.0.1", net.ParseIP("10.0.0.2")))
}
