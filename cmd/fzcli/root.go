package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/gonzalop/ftpengine"
	"github.com/gonzalop/ftpengine/internal/extip"
	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/metrics"
	"github.com/gonzalop/ftpengine/internal/options"
	"github.com/gonzalop/ftpengine/internal/socket"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=2.0.0"
var version = "1.0.0"

type config struct {
	server     string
	user       string
	askPass    bool
	tlsMode    string
	insecure   bool
	active     bool
	noEPSV     bool
	proxy      string
	proxyKey   string
	knownHosts string
	configFile string
	metrics    string
	resume     bool
	ipv6       bool
	verbose    int
}

var errUsage = errors.New("invalid usage")

// Execute parses args and runs one command.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg := &config{}
	fs := flag.NewFlagSet("fzcli", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── connection ───────────────────────────────────────────────
	fs.StringVarP(&cfg.server, "server", "s", "", "Server as host[:port] or ftp://, ftps://, ftpes:// URL")
	fs.StringVarP(&cfg.user, "user", "u", "", "User name (anonymous when empty)")
	fs.BoolVarP(&cfg.askPass, "password", "P", false, "Prompt for the password")
	fs.StringVar(&cfg.tlsMode, "tls", "none", "TLS mode: none, explicit or implicit")
	fs.BoolVar(&cfg.insecure, "insecure", false, "Do not verify the server certificate")
	fs.BoolVarP(&cfg.active, "active", "a", false, "Use active mode data connections")
	fs.BoolVar(&cfg.noEPSV, "no-epsv", false, "Never send EPSV")

	// ── proxy ────────────────────────────────────────────────────
	fs.StringVar(&cfg.proxy, "proxy", "", "Proxy as type://[user[:pass]@]host:port, type is http, socks5 or ssh")
	fs.StringVar(&cfg.proxyKey, "proxy-key", "", "SSH private key for ssh proxies")
	fs.StringVar(&cfg.knownHosts, "known-hosts", "", "known_hosts file for ssh proxies")

	// ── engine ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.configFile, "config", "c", "", "Engine options file")
	fs.StringVar(&cfg.metrics, "metrics", "", "Serve Prometheus metrics on this address")

	// ── commands ─────────────────────────────────────────────────
	fs.BoolVarP(&cfg.resume, "resume", "r", false, "get: continue a partial local file")
	fs.BoolVarP(&cfg.ipv6, "ipv6", "6", false, "extip: look up the IPv6 address")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.verbose, "verbose", "v", "Increase engine log verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "fzcli %s\n", version)
		return nil
	}
	if showHelp || fs.NArg() == 0 {
		printUsage(stderr, fs)
		return nil
	}

	store, err := options.Load(cfg.configFile)
	if err != nil {
		return err
	}
	if cfg.verbose > 0 {
		if err := store.Set("logging.debug_level", min(cfg.verbose, 4)); err != nil {
			return err
		}
	}
	proxy, err := parseProxy(cfg)
	if err != nil {
		return err
	}

	if cfg.metrics != "" {
		stop := serveMetrics(cfg.metrics, stderr)
		defer stop()
	}

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch command {
	case "extip":
		return runExtIP(ctx, cfg, store, proxy, rest, stdout)
	case "mkdir", "ls", "get", "put", "probe":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	if err := checkArgs(command, rest); err != nil {
		return err
	}

	c, err := dial(ctx, cfg, store, proxy, stderr)
	if err != nil {
		return err
	}
	defer c.Close()

	err = run(ctx, c, cfg, command, rest, stdout)
	if qerr := c.Quit(ctx); err == nil {
		err = qerr
	}
	return err
}

func checkArgs(command string, rest []string) error {
	lo, hi := 0, 0
	switch command {
	case "mkdir":
		lo, hi = 1, -1
	case "ls":
		lo, hi = 0, 1
	case "get", "put":
		lo, hi = 1, 2
	}
	if len(rest) < lo || (hi >= 0 && len(rest) > hi) {
		return fmt.Errorf("%w: wrong number of arguments for %s", errUsage, command)
	}
	return nil
}

func run(ctx context.Context, c *ftpengine.Client, cfg *config, command string, rest []string, out io.Writer) error {
	switch command {
	case "mkdir":
		for _, p := range rest {
			if err := c.MakeDir(ctx, p); err != nil {
				return fmt.Errorf("mkdir %s: %w", p, err)
			}
			okf(out, "created %s", p)
		}
		return nil

	case "ls":
		dir := ""
		if len(rest) > 0 {
			dir = rest[0]
		} else {
			cwd, err := c.CurrentDir(ctx)
			if err != nil {
				return err
			}
			dir = cwd
		}
		entries, err := c.List(ctx, dir)
		if err != nil {
			return fmt.Errorf("ls %s: %w", dir, err)
		}
		return renderListing(out, entries)

	case "get":
		remote := rest[0]
		local := path.Base(remote)
		if len(rest) > 1 {
			local = rest[1]
		}
		start := time.Now()
		if err := c.RetrieveFile(ctx, remote, local, cfg.resume); err != nil {
			return fmt.Errorf("get %s: %w", remote, err)
		}
		var size int64
		if fi, err := os.Stat(local); err == nil {
			size = fi.Size()
		}
		okf(out, "%s -> %s (%s in %s)", remote, local, humanize.IBytes(uint64(size)), time.Since(start).Round(time.Millisecond))
		return nil

	case "put":
		local := rest[0]
		remote := filepath.Base(local)
		if len(rest) > 1 {
			remote = rest[1]
		}
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		total := int64(-1)
		if fi, err := f.Stat(); err == nil {
			total = fi.Size()
		}
		p := ftpengine.NewProgress(total, 0)
		if err := c.Store(ctx, remote, &ftpengine.ProgressReader{Reader: f, Progress: p}); err != nil {
			return fmt.Errorf("put %s: %w", local, err)
		}
		okf(out, "%s -> %s (%s)", local, remote, p)
		return nil

	case "probe":
		res, err := c.Probe(ctx)
		probeColor(res).Fprintf(out, "probe: %s\n", res)
		return err
	}
	return nil
}

func dial(ctx context.Context, cfg *config, store *options.Store, proxy *socket.ProxyConfig, stderr io.Writer) (*ftpengine.Client, error) {
	if cfg.server == "" {
		return nil, fmt.Errorf("%w: no server given, use --server", errUsage)
	}

	opts := []ftpengine.Option{ftpengine.WithOptions(store)}
	if cfg.verbose > 0 {
		h := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		opts = append(opts, ftpengine.WithSyncLogger(slog.New(h)))
	}
	if cfg.active {
		opts = append(opts, ftpengine.WithActiveMode())
	}
	if cfg.noEPSV {
		opts = append(opts, ftpengine.WithDisableEPSV())
	}
	if proxy.Enabled() {
		opts = append(opts, ftpengine.WithProxy(proxy))
	}
	if cfg.user != "" {
		pass := ""
		if cfg.askPass {
			var err error
			if pass, err = readPassword(stderr, cfg.user); err != nil {
				return nil, err
			}
		}
		opts = append(opts, ftpengine.WithCredentials(cfg.user, pass))
	}

	if strings.Contains(cfg.server, "://") {
		return ftpengine.DialURL(ctx, cfg.server, opts...)
	}

	addr, host, err := serverAddr(cfg.server, cfg.tlsMode)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{ServerName: host, InsecureSkipVerify: cfg.insecure} //nolint:gosec
	switch cfg.tlsMode {
	case "", "none":
	case "explicit":
		opts = append(opts, ftpengine.WithExplicitTLS(tlsConfig))
	case "implicit":
		opts = append(opts, ftpengine.WithImplicitTLS(tlsConfig))
	default:
		return nil, fmt.Errorf("%w: unknown TLS mode %q", errUsage, cfg.tlsMode)
	}
	return ftpengine.Dial(ctx, addr, opts...)
}

// serverAddr adds the default port for tlsMode when server has none.
func serverAddr(server, tlsMode string) (addr, host string, err error) {
	if h, _, err := net.SplitHostPort(server); err == nil {
		return server, h, nil
	}
	host = strings.TrimSuffix(strings.TrimPrefix(server, "["), "]")
	if host == "" {
		return "", "", fmt.Errorf("%w: invalid server %q", errUsage, server)
	}
	port := "21"
	if tlsMode == "implicit" {
		port = "990"
	}
	return net.JoinHostPort(host, port), host, nil
}

func readPassword(stderr io.Writer, user string) (string, error) {
	fmt.Fprintf(stderr, "Password for %s: ", user)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}

// parseProxy turns --proxy and its companions into a proxy configuration.
// It returns nil when no proxy is set.
func parseProxy(cfg *config) (*socket.ProxyConfig, error) {
	if cfg.proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy: %w", err)
	}
	typ, err := socket.ParseProxyType(u.Scheme)
	if err != nil {
		return nil, err
	}
	p := &socket.ProxyConfig{
		Type:       typ,
		Host:       u.Hostname(),
		KeyPath:    cfg.proxyKey,
		KnownHosts: cfg.knownHosts,
	}
	switch port := u.Port(); {
	case port != "":
		if p.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid proxy port: %w", err)
		}
	case typ == socket.ProxySSH:
		p.Port = 22
	case typ == socket.ProxySOCKS5:
		p.Port = 1080
	default:
		p.Port = 8080
	}
	if u.User != nil {
		p.User = u.User.Username()
		p.Pass, _ = u.User.Password()
	}
	if p.Host == "" {
		return nil, fmt.Errorf("invalid proxy: no host in %q", cfg.proxy)
	}
	return p, nil
}

func runExtIP(ctx context.Context, cfg *config, store *options.Store, proxy *socket.ProxyConfig, rest []string, out io.Writer) error {
	address := store.String("externalip.resolver_url")
	if len(rest) > 0 {
		address = rest[0]
	}
	family := extip.IPv4
	if cfg.ipv6 {
		family = extip.IPv6
	}

	logger := logging.Discard()
	if cfg.verbose > 0 {
		logger = logging.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		logger.SetDebugLevel(min(cfg.verbose, 4))
	}
	r := extip.New(extip.Default(),
		extip.WithDialer(&socket.Dialer{Proxy: proxy}),
		extip.WithTimeout(time.Duration(store.Int("connection.timeout"))*time.Millisecond),
		extip.WithLogger(logger),
		extip.WithMetrics(metrics.NewEngineMetrics()),
	)

	done := make(chan struct{})
	switch r.Resolve(address, family, true, func() { close(done) }) {
	case extip.Error:
		return fmt.Errorf("cannot look up external address using %s", address)
	case extip.Wait:
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ip := r.IP()
	if ip == "" {
		return fmt.Errorf("no external address returned by %s", address)
	}
	fmt.Fprintln(out, ip)
	return nil
}

// serveMetrics exposes the engine metrics over HTTP until the returned
// function is called.
func serveMetrics(addr string, stderr io.Writer) func() {
	metrics.InitRegistry()
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			warnf(stderr, "metrics server: %v", err)
		}
	}()
	return func() { _ = srv.Close() }
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `fzcli v%s

Usage:
  fzcli [options] <command> [args]

Commands:
  mkdir <path>...                Create directories, parents included
  ls [path]                      List a directory
  get <remote> [local]           Download a file
  put <local> [remote]           Upload a file
  extip [url]                    Show the external address seen by a resolver
  probe                          Test active mode against a probe server

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  fzcli -s ftp.example.com ls /pub
  fzcli -s ftpes://alice@ftp.example.com -P put report.pdf /docs/report.pdf
  fzcli -s ftp.example.com --proxy socks5://127.0.0.1:1080 get /pub/file.iso
  fzcli extip
`)
}
