// Package extip finds the public address of this host by asking an HTTP
// service, for active mode transfers behind NAT.
package extip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gonzalop/ftpengine/internal/logging"
	"github.com/gonzalop/ftpengine/internal/metrics"
	"github.com/gonzalop/ftpengine/internal/socket"
)

// Status is the outcome of Resolve.
type Status int

const (
	// Done means a cached address is available from IP.
	Done Status = iota
	// Wait means a lookup is running; the callback fires when it completes.
	Wait
	// Error means the last lookup failed or could not start.
	Error
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case Wait:
		return "wait"
	}
	return "error"
}

// Family selects the address family to resolve.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

const (
	maxBody      = 1024
	maxRedirects = 6
	userAgent    = "ftpengine/1.0"
)

// Errors reported through the debug log when a lookup fails.
var (
	ErrTooManyRedirects = errors.New("extip: too many redirects")
	ErrBadRedirect      = errors.New("extip: redirect target is not an absolute http URL")
	ErrTLSUnsupported   = errors.New("extip: https is not supported")
	ErrBodyTooLarge     = errors.New("extip: response body too large")
)

// Cache holds the last resolved address. One cache is shared by every
// connection of the process; tests create their own.
type Cache struct {
	mu      sync.Mutex
	ip      string
	checked bool
}

var defaultCache = &Cache{}

// Default returns the process-wide cache.
func Default() *Cache { return defaultCache }

// IP returns the cached address, empty when unknown or failed.
func (c *Cache) IP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ip
}

// lookup returns the cached outcome. With force it forgets it instead.
func (c *Cache) lookup(force bool) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checked {
		return Error, false
	}
	if force {
		c.checked = false
		return Error, false
	}
	if c.ip == "" {
		return Error, true
	}
	return Done, true
}

func (c *Cache) store(ip string) {
	c.mu.Lock()
	c.ip = ip
	c.checked = true
	c.mu.Unlock()
}

// Resolver runs at most one lookup at a time.
type Resolver struct {
	cache   *Cache
	dialer  socket.Dialer
	timeout time.Duration
	logger  *logging.Logger
	metrics metrics.EngineMetrics

	mu      sync.Mutex
	running bool
	waiters []func()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDialer routes lookups through d, including its proxy.
func WithDialer(d *socket.Dialer) Option {
	return func(r *Resolver) {
		if d != nil {
			r.dialer = *d
		}
	}
}

// WithTimeout bounds a whole lookup including redirects.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.EngineMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New returns a resolver storing results in cache, or in the process-wide
// cache when cache is nil.
func New(cache *Cache, opts ...Option) *Resolver {
	if cache == nil {
		cache = defaultCache
	}
	r := &Resolver{
		cache:   cache,
		timeout: 20 * time.Second,
		logger:  logging.Discard(),
		metrics: metrics.NewNoopEngineMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IP returns the cached address.
func (r *Resolver) IP() string { return r.cache.IP() }

// Resolve looks up the public address of family by fetching address, a
// URL or bare host. A cached result is returned synchronously unless
// force is set. Otherwise Resolve returns Wait and calls done from another
// goroutine once the cache holds the new result, successful or not. Calls
// made while a lookup runs wait for that lookup.
func (r *Resolver) Resolve(address string, family Family, force bool, done func()) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		if done != nil {
			r.waiters = append(r.waiters, done)
		}
		return Wait
	}

	if st, ok := r.cache.lookup(force); ok {
		r.metrics.RecordResolve("cached")
		return st
	}

	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	req, err := http.NewRequest(http.MethodGet, address, nil)
	if err != nil || req.URL.Host == "" {
		r.logger.Log(logging.DebugWarning, "invalid resolver address", "address", address)
		return Error
	}
	if req.URL.Scheme != "http" {
		r.logger.Log(logging.DebugWarning, "resolver address rejected", "error", ErrTLSUnsupported)
		return Error
	}
	req.Header.Set("User-Agent", userAgent)

	r.running = true
	if done != nil {
		r.waiters = append(r.waiters, done)
	}
	go r.run(req, family)
	return Wait
}

func (r *Resolver) run(req *http.Request, family Family) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ip, err := r.fetch(req.WithContext(ctx), family)
	outcome := "ok"
	if err != nil {
		r.logger.Log(logging.DebugWarning, "external address lookup failed", "error", err)
		outcome = "error"
		ip = ""
	} else {
		r.logger.Log(logging.DebugInfo, "external address resolved", "ip", ip)
	}
	r.metrics.RecordResolve(outcome)
	r.cache.store(ip)

	r.mu.Lock()
	r.running = false
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, done := range waiters {
		done()
	}
}

func (r *Resolver) client(family Family) *http.Client {
	d := r.dialer
	d.Network = "tcp4"
	if family == IPv6 {
		d.Network = "tcp6"
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: nil,
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				s, err := d.Dial(ctx, addr)
				if err != nil {
					return nil, err
				}
				return s.Top(), nil
			},
			DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
				return nil, ErrTLSUnsupported
			},
			DisableKeepAlives: true,
		},
		CheckRedirect: checkRedirect,
	}
}

// checkRedirect allows a chain of maxRedirects redirects. The target has
// already been resolved against the previous request's URL.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > maxRedirects {
		return ErrTooManyRedirects
	}
	if req.URL.Scheme != "http" || req.URL.Host == "" || !req.URL.IsAbs() {
		return ErrBadRedirect
	}
	return nil
}

func (r *Resolver) fetch(req *http.Request, family Family) (string, error) {
	resp, err := r.client(family).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("extip: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxBody {
		return "", ErrBodyTooLarge
	}
	return parseAddress(string(body), family)
}

// parseAddress validates a response body. IPv6 addresses must be enclosed
// in brackets.
func parseAddress(body string, family Family) (string, error) {
	data := strings.TrimSpace(body)
	if family == IPv6 {
		if len(data) < 2 || data[0] != '[' || data[len(data)-1] != ']' {
			return "", fmt.Errorf("extip: IPv6 address not bracketed: %q", data)
		}
		inner := data[1 : len(data)-1]
		ip := net.ParseIP(inner)
		if ip == nil || ip.To4() != nil || !strings.Contains(inner, ":") {
			return "", fmt.Errorf("extip: not an IPv6 address: %q", inner)
		}
		return inner, nil
	}
	ip := net.ParseIP(data)
	if ip == nil || ip.To4() == nil || strings.Contains(data, ":") {
		return "", fmt.Errorf("extip: not an IPv4 address: %q", data)
	}
	return data, nil
}
