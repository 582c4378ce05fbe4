package ftpengine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
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

// ListingNotifier is told when the engine learned something new about a
// remote directory, such as a created subdirectory or a fresh listing.
type ListingNotifier interface {
	ListingChanged(server, path string)
}

// Request is a question the engine needs answered before it can go on.
type Request interface {
	request()
}

// TLSNoResumption asks whether to continue a transfer whose data
// connection did not resume the control connection's TLS session.
type TLSNoResumption struct {
	Server string
}

func (*TLSNoResumption) request() {}

func (r *TLSNoResumption) String() string {
	return "TLS session of data connection not resumed on " + r.Server
}

// AsyncRequestHandler answers requests. It runs on its own goroutine and
// may block, for example to ask a user. Without a handler every request
// is refused.
type AsyncRequestHandler func(ctx context.Context, req Request) bool

// TransferType selects how file contents are transferred.
type TransferType int

const (
	TypeBinary TransferType = iota
	// TypeASCII converts line endings on the wire.
	TypeASCII
)

// Process-wide defaults shared by clients that were not given their own.
var (
	defaultCaps  = capabilities.NewMemory()
	defaultCache = dircache.New()
)

// Client is one FTP control connection. Its methods may be called from
// any goroutine, but only one command runs at a time; a second concurrent
// command fails with ErrBusy.
type Client struct {
	server string
	host   string

	slog       *slog.Logger
	syncLog    bool
	logger     *logging.Logger
	metrics    metrics.EngineMetrics
	opts       *options.Store
	caps       capabilities.Store
	cache      *dircache.Cache
	notifier   ListingNotifier
	asks       AsyncRequestHandler
	resolver   *extip.Resolver
	locks      *LockManager
	resources  *TransferResources
	tlsConfig  *tls.Config
	tlsMode    tlsMode
	localAddr  net.Addr
	proxy      *socket.ProxyConfig
	dataDial   transfer.DialFunc
	dataListen transfer.ListenFunc

	user        string
	password    string
	disableEPSV bool
	activeMode  bool
	parsers     []ListingParser

	mu       sync.Mutex
	ttype    TransferType
	features map[string]string

	e         *engine
	closers   []func()
	closeOnce sync.Once
}

// Dial connects to addr ("host:port"), logs in and returns the client.
// Without WithCredentials the login is anonymous.
//
// Example:
//
//	c, err := ftpengine.Dial(ctx, "ftp.example.com:21",
//	    ftpengine.WithCredentials("user", "secret"),
//	    ftpengine.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	c := &Client{
		server:   addr,
		host:     host,
		user:     "anonymous",
		password: "anonymous@",
		locks:    defaultLocks,
		features: map[string]string{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := c.init(); err != nil {
		c.release()
		return nil, err
	}

	c.e = newEngine(c)

	c.logger.Log(logging.Status, "connecting", "server", addr, "tls", c.tlsMode)
	st, err := c.e.dialControl(ctx, addr, c.tlsMode)
	if err != nil {
		c.logger.Log(logging.Error, "connection attempt failed", "error", err)
		c.e.cancel()
		if t := c.e.dialer.Tunnel; t != nil {
			_ = t.Close()
		}
		c.release()
		return nil, err
	}
	c.e.attach(st)
	go c.e.run()

	connect := &connectOp{tlsMode: c.tlsMode, user: c.user, password: c.password}
	if err := c.e.exec(ctx, connect); err != nil {
		c.e.shutdown()
		c.release()
		return nil, err
	}
	_ = c.e.call(func() {
		c.mu.Lock()
		for k, v := range c.e.features {
			c.features[k] = v
		}
		c.mu.Unlock()
	})

	ms := func(key string) time.Duration { return time.Duration(c.opts.Int(key)) * time.Millisecond }
	c.e.startTimers(ms("connection.timeout"), ms("connection.keepalive"))
	return c, nil
}

// init fills in every collaborator the options left unset.
func (c *Client) init() error {
	if c.opts == nil {
		c.opts = options.Defaults()
	}

	l := c.slog
	if l != nil && !c.syncLog {
		h := logging.NewAsyncHandler(l.Handler(), 1024)
		c.closers = append(c.closers, h.Close)
		l = slog.New(h)
	}
	c.logger = logging.New(l).With("server", c.server)
	c.logger.SetDebugLevel(int(c.opts.Int("logging.debug_level")))
	c.logger.SetRawListing(c.opts.Bool("logging.raw_listing"))
	logger := c.logger
	c.opts.OnChange(func(cfg *options.Config) {
		logger.SetDebugLevel(cfg.Logging.DebugLevel)
		logger.SetRawListing(cfg.Logging.RawListing)
	})

	if c.metrics == nil {
		c.metrics = metrics.NewEngineMetrics()
	}
	if c.caps == nil {
		if dir := c.opts.String("cache.capabilities_path"); dir != "" {
			b, err := capabilities.OpenBadger(dir, c.logger.Slog())
			if err != nil {
				return fmt.Errorf("failed to open capability cache: %w", err)
			}
			c.closers = append(c.closers, func() { _ = b.Close() })
			c.caps = b
		} else {
			c.caps = defaultCaps
		}
	}
	if c.cache == nil {
		c.cache = defaultCache
	}
	if c.resources == nil {
		c.resources = defaultResources(c.opts)
	}
	if c.resolver == nil {
		c.resolver = extip.New(extip.Default(),
			extip.WithDialer(&socket.Dialer{Proxy: c.proxy}),
			extip.WithTimeout(time.Duration(c.opts.Int("connection.timeout"))*time.Millisecond),
			extip.WithLogger(c.logger),
			extip.WithMetrics(c.metrics),
		)
	}
	if c.tlsMode != tlsModeNone {
		minVersion, err := socket.ParseTLSVersion(c.opts.String("tls.min_version"))
		if err != nil {
			return err
		}
		c.tlsConfig = controlTLSConfig(c.tlsConfig, c.host, minVersion)
	}
	return nil
}

func (c *Client) release() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// DialURL connects using a URL of the form
// scheme://[user[:password]@]host[:port][/path]. Supported schemes are
// "ftp", "ftps" (implicit TLS, port 990) and "ftpes" or "ftp+explicit"
// (explicit TLS). A path is entered after login.
func DialURL(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	var extra []Option
	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if port == "" {
			port = "21"
		}
	case "ftps":
		if port == "" {
			port = "990"
		}
		extra = append(extra, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftpes", "ftp+explicit":
		if port == "" {
			port = "21"
		}
		extra = append(extra, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		extra = append(extra, WithCredentials(u.User.Username(), pass))
	}

	c, err := Dial(ctx, net.JoinHostPort(host, port), append(extra, opts...)...)
	if err != nil {
		return nil, err
	}
	if u.Path != "" && u.Path != "/" {
		if err := c.ChangeDir(ctx, u.Path); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to change directory: %w", err)
		}
	}
	return c, nil
}

// Server returns the address the client is connected to.
func (c *Client) Server() string { return c.server }

// Features returns what the server advertised in its FEAT reply.
func (c *Client) Features() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.features))
	for k, v := range c.features {
		out[k] = v
	}
	return out
}

// HasFeature reports whether FEAT advertised feature.
func (c *Client) HasFeature(feature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.features[strings.ToUpper(feature)]
	return ok
}

// SetTransferType selects binary or ASCII for following file transfers.
func (c *Client) SetTransferType(t TransferType) {
	c.mu.Lock()
	c.ttype = t
	c.mu.Unlock()
}

func (c *Client) ascii() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttype == TypeASCII
}

// resolve turns p into an absolute path against the current directory.
func (c *Client) resolve(p string) (serverpath.Path, error) {
	var cur serverpath.Path
	if err := c.e.call(func() { cur = c.e.currentPath }); err != nil {
		return serverpath.Path{}, err
	}
	path := serverpath.Resolve(cur, p)
	if path.Empty() {
		return path, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path, nil
}

// resolveFile splits p into its directory and name.
func (c *Client) resolveFile(p string) (serverpath.Path, string, error) {
	path, err := c.resolve(p)
	if err != nil {
		return path, "", err
	}
	if !path.HasParent() {
		return path, "", fmt.Errorf("%w: %q is not a file", ErrInvalidPath, p)
	}
	return path.Parent(), path.LastSegment(), nil
}

// MakeDir creates path and any missing parents. Existing directories are
// not an error.
func (c *Client) MakeDir(ctx context.Context, path string) error {
	p, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.e.exec(ctx, &mkdirOp{path: p})
}

// ChangeDir changes the current directory.
func (c *Client) ChangeDir(ctx context.Context, path string) error {
	p, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.e.exec(ctx, &cwdOp{target: p})
}

// CurrentDir returns the current directory, asking the server if needed.
func (c *Client) CurrentDir(ctx context.Context) (string, error) {
	op := &pwdOp{}
	if err := c.e.exec(ctx, op); err != nil {
		return "", err
	}
	return op.path.String(), nil
}

// List returns the entries of path, or of the current directory if path
// is empty. MLSD is used when the server supports it.
func (c *Client) List(ctx context.Context, path string) ([]Entry, error) {
	op := &listOp{parsers: c.parsers}
	if path != "" {
		p, err := c.resolve(path)
		if err != nil {
			return nil, err
		}
		op.path = p
	}
	if err := c.e.exec(ctx, op); err != nil {
		return nil, err
	}
	return op.entries, nil
}

// NameList returns the names NLST reports for path, or for the current
// directory if path is empty.
func (c *Client) NameList(ctx context.Context, path string) ([]string, error) {
	op := &listOp{names: true}
	if path != "" {
		p, err := c.resolve(path)
		if err != nil {
			return nil, err
		}
		op.path = p
	}
	if err := c.e.exec(ctx, op); err != nil {
		return nil, err
	}
	names := make([]string, len(op.entries))
	for i, ent := range op.entries {
		names[i] = ent.Name
	}
	return names, nil
}

// Retrieve downloads path into w.
func (c *Client) Retrieve(ctx context.Context, path string, w io.Writer) error {
	return c.RetrieveFrom(ctx, path, w, 0)
}

// RetrieveFrom downloads path starting at offset. w receives the bytes
// from offset on.
func (c *Client) RetrieveFrom(ctx context.Context, path string, w io.Writer, offset int64) error {
	dir, name, err := c.resolveFile(path)
	if err != nil {
		return err
	}
	return c.e.exec(ctx, &fileTransferOp{
		dir: dir, name: name, direction: fileDownload, offset: offset, ascii: c.ascii(), dst: w,
	})
}

// Store uploads r to path, replacing it. Missing directories are created.
func (c *Client) Store(ctx context.Context, path string, r io.Reader) error {
	return c.StoreAt(ctx, path, r, 0)
}

// StoreAt uploads r to path starting at offset, using REST.
func (c *Client) StoreAt(ctx context.Context, path string, r io.Reader, offset int64) error {
	dir, name, err := c.resolveFile(path)
	if err != nil {
		return err
	}
	return c.e.exec(ctx, &fileTransferOp{
		dir: dir, name: name, direction: fileUpload, offset: offset, ascii: c.ascii(), src: r,
	})
}

// Append uploads r to the end of path.
func (c *Client) Append(ctx context.Context, path string, r io.Reader) error {
	dir, name, err := c.resolveFile(path)
	if err != nil {
		return err
	}
	return c.e.exec(ctx, &fileTransferOp{
		dir: dir, name: name, direction: fileAppend, ascii: c.ascii(), src: r,
	})
}

// RetrieveFile downloads remotePath to localPath. With resume set, an
// existing local file is continued from its current size.
func (c *Client) RetrieveFile(ctx context.Context, remotePath, localPath string, resume bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if resume {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	var offset int64
	if resume {
		if fi, err := f.Stat(); err == nil {
			offset = fi.Size()
		}
	}
	err = c.RetrieveFrom(ctx, remotePath, f, offset)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close local file: %w", cerr)
	}
	return err
}

// StoreFile uploads localPath to remotePath.
func (c *Client) StoreFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()
	return c.Store(ctx, remotePath, f)
}

// Delete removes a file.
func (c *Client) Delete(ctx context.Context, path string) error {
	dir, name, err := c.resolveFile(path)
	if err != nil {
		return err
	}
	return c.e.exec(ctx, &commandOp{
		cmds: []string{"DELE " + dir.AddSegment(name).String()},
		onSuccess: func(e *engine) {
			e.cache.RemoveFile(e.server, dir.String(), name)
			e.listingChanged(dir)
		},
	})
}

// RemoveDir removes an empty directory.
func (c *Client) RemoveDir(ctx context.Context, path string) error {
	dir, name, err := c.resolveFile(path)
	if err != nil {
		return err
	}
	full := dir.AddSegment(name)
	return c.e.exec(ctx, &commandOp{
		cmds: []string{"RMD " + full.String()},
		onSuccess: func(e *engine) {
			e.cache.RemoveFile(e.server, dir.String(), name)
			e.cache.Invalidate(e.server, full.String())
			if !e.currentPath.Empty() && (e.currentPath.Equal(full) || e.currentPath.IsSubdirOf(full)) {
				e.currentPath = serverpath.Path{}
			}
			e.listingChanged(dir)
		},
	})
}

// Rename moves from to to.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	fromDir, fromName, err := c.resolveFile(from)
	if err != nil {
		return err
	}
	toDir, toName, err := c.resolveFile(to)
	if err != nil {
		return err
	}
	return c.e.exec(ctx, &commandOp{
		cmds: []string{
			"RNFR " + fromDir.AddSegment(fromName).String(),
			"RNTO " + toDir.AddSegment(toName).String(),
		},
		onSuccess: func(e *engine) {
			ent, found := e.cache.Lookup(e.server, fromDir.String(), fromName)
			e.cache.RemoveFile(e.server, fromDir.String(), fromName)
			if found {
				ent.Name = toName
				e.cache.UpdateFile(e.server, toDir.String(), ent)
			} else {
				e.cache.Invalidate(e.server, toDir.String())
			}
			e.listingChanged(fromDir)
			if !fromDir.Equal(toDir) {
				e.listingChanged(toDir)
			}
		},
	})
}

// Quote sends a raw command and returns the server's final reply, whatever
// its code.
//
// Example:
//
//	resp, err := c.Quote(ctx, "SITE CHMOD 644 file.txt")
func (c *Client) Quote(ctx context.Context, command string) (*Response, error) {
	op := &commandOp{cmds: []string{command}, raw: true}
	if err := c.e.exec(ctx, op); err != nil {
		return nil, err
	}
	return op.last, nil
}

// Noop sends NOOP.
func (c *Client) Noop(ctx context.Context) error {
	return c.e.exec(ctx, &commandOp{cmds: []string{"NOOP"}})
}

// Probe tests active mode against a probe server speaking the IP/PREP
// dialect. The client must be connected to such a server.
func (c *Client) Probe(ctx context.Context) (ProbeResult, error) {
	op := &probeOp{}
	err := c.e.exec(ctx, op)
	if op.result == ProbeUnknown && err != nil {
		op.result = ProbeServerError
	}
	return op.result, err
}

// Quit sends QUIT and closes the connection.
func (c *Client) Quit(ctx context.Context) error {
	err := c.e.exec(ctx, quitOp{})
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, ErrDisconnected) {
		// The server hung up after QUIT.
		return nil
	}
	return err
}

// Close aborts whatever is running and closes the connection without
// saying goodbye.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.e.shutdown()
		c.release()
	})
	return nil
}
