package ftpengine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"path"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/dircache"
	"github.com/gonzalop/ftpengine/internal/options"
)

// mockServer provides a simple way to script server responses
type mockServer struct {
	t        *testing.T
	listener net.Listener
	addr     string
	// handlers are keyed by upper case verb. Commands without a handler
	// get a default reply.
	handlers map[string]func(conn *textproto.Conn, args string)
	// pwd is returned by the default PWD handler and moved by the
	// default CWD handler.
	pwd string

	mu sync.Mutex
	// dataListener is used for passive mode
	dataListener net.Listener
	// receivedCommands records all command lines received
	receivedCommands []string

	done chan struct{}
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return &mockServer{
		t:        t,
		listener: l,
		addr:     l.Addr().String(),
		handlers: make(map[string]func(*textproto.Conn, string)),
		pwd:      "/",
		done:     make(chan struct{}),
	}
}

func (s *mockServer) start() {
	go func() {
		defer close(s.done)
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fmt.Fprintf(conn, "220 Service ready\r\n")

		textConn := textproto.NewConn(conn)
		defer textConn.Close()

		for {
			line, err := textConn.ReadLine()
			if err != nil {
				return
			}

			parts := strings.SplitN(line, " ", 2)
			cmd := strings.ToUpper(parts[0])
			args := ""
			if len(parts) > 1 {
				args = parts[1]
			}

			s.mu.Lock()
			s.receivedCommands = append(s.receivedCommands, line)
			s.mu.Unlock()

			if handler, ok := s.handlers[cmd]; ok {
				handler(textConn, args)
				continue
			}
			switch cmd {
			case "USER":
				_ = textConn.PrintfLine("331 User name okay, need password.")
			case "PASS":
				_ = textConn.PrintfLine("230 User logged in, proceed.")
			case "FEAT":
				_ = textConn.PrintfLine("211 No features")
			case "CWD":
				if strings.HasPrefix(args, "/") {
					s.pwd = path.Clean(args)
				} else {
					s.pwd = path.Join(s.pwd, args)
				}
				_ = textConn.PrintfLine("250 Directory successfully changed.")
			case "PWD":
				_ = textConn.PrintfLine("257 %q is the current directory", s.pwd)
			case "QUIT":
				_ = textConn.PrintfLine("221 Service closing control connection.")
				return
			case "TYPE", "NOOP":
				_ = textConn.PrintfLine("200 Command okay.")
			case "EPSV":
				_ = textConn.PrintfLine("229 Entering Extended Passive Mode (|||%d|)", s.openData())
			case "PASV":
				port := s.openData()
				_ = textConn.PrintfLine("227 Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256)
			default:
				_ = textConn.PrintfLine("502 Command not implemented.")
			}
		}
	}()
}

// openData listens for one passive data connection and returns its port.
func (s *mockServer) openData() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Errorf("Mock server failed to listen for data: %v", err)
		return 0
	}
	s.mu.Lock()
	if s.dataListener != nil {
		s.dataListener.Close()
	}
	s.dataListener = l
	s.mu.Unlock()
	return l.Addr().(*net.TCPAddr).Port
}

// acceptData accepts the pending passive data connection.
func (s *mockServer) acceptData() (net.Conn, error) {
	s.mu.Lock()
	l := s.dataListener
	s.dataListener = nil
	s.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("no passive listener")
	}
	defer l.Close()
	if tl, ok := l.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(5 * time.Second))
	}
	return l.Accept()
}

// serveData returns a handler that sends payload over the data connection.
func (s *mockServer) serveData(payload string) func(*textproto.Conn, string) {
	return func(c *textproto.Conn, _ string) {
		_ = c.PrintfLine("150 File status okay; about to open data connection.")
		dconn, err := s.acceptData()
		if err != nil {
			s.t.Errorf("Mock server failed to accept data conn: %v", err)
			return
		}
		_, _ = io.WriteString(dconn, payload)
		dconn.Close()
		_ = c.PrintfLine("226 Closing data connection.")
	}
}

// receiveData returns a handler that stores everything sent over the data
// connection into *got.
func (s *mockServer) receiveData(got *[]byte) func(*textproto.Conn, string) {
	return func(c *textproto.Conn, _ string) {
		_ = c.PrintfLine("150 Ok to send data.")
		dconn, err := s.acceptData()
		if err != nil {
			s.t.Errorf("Mock server failed to accept data conn: %v", err)
			return
		}
		b, _ := io.ReadAll(dconn)
		dconn.Close()
		s.mu.Lock()
		*got = b
		s.mu.Unlock()
		_ = c.PrintfLine("226 Transfer complete.")
	}
}

func (s *mockServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.receivedCommands...)
}

// commandsAfter returns the command lines received since the first n.
func (s *mockServer) commandsAfter(n int) []string {
	cmds := s.commands()
	if n > len(cmds) {
		return nil
	}
	return cmds[n:]
}

// count returns how many received commands start with verb.
func (s *mockServer) count(verb string) int {
	n := 0
	for _, line := range s.commands() {
		v, _, _ := strings.Cut(line, " ")
		if strings.EqualFold(v, verb) {
			n++
		}
	}
	return n
}

func (s *mockServer) stop() {
	s.listener.Close()
	s.mu.Lock()
	if s.dataListener != nil {
		s.dataListener.Close()
	}
	s.mu.Unlock()
	<-s.done
}

type recordingNotifier struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNotifier) ListingChanged(_, path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *recordingNotifier) changed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

// testClient is a connected client with its own caches and locks.
type testClient struct {
	*Client
	cache    *dircache.Cache
	caps     capabilities.Store
	notifier *recordingNotifier
}

func dialMock(t *testing.T, ms *mockServer, opts ...Option) *testClient {
	t.Helper()
	tc := &testClient{
		cache:    dircache.New(),
		caps:     capabilities.NewMemory(),
		notifier: &recordingNotifier{},
	}
	base := []Option{
		WithOptions(options.Defaults()),
		WithCapabilities(tc.caps),
		WithDirCache(tc.cache),
		WithLockManager(NewLockManager()),
		WithNotifier(tc.notifier),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts = append(base, append(opts, ownResources())...)
	c, err := Dial(ctx, ms.addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	tc.Client = c
	return tc
}

// ownResources gives a client its own transfer resources unless the test
// already chose some, so speed limits of one test do not leak into another.
func ownResources() Option {
	return func(c *Client) error {
		if c.resources == nil && c.opts != nil {
			c.resources = NewTransferResources(c.opts)
		}
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recordingHandler keeps the messages of every record at or above level.
type recordingHandler struct {
	level slog.Level
	mu    sync.Mutex
	msgs  []string
}

func (h *recordingHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.msgs...)
}

func checkCommands(t *testing.T, got, want []string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("Commands = %v, want %v", got, want)
	}
}
