package socket

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyType selects the tunnelling protocol of a proxy layer.
type ProxyType int

const (
	ProxyNone ProxyType = iota
	ProxyHTTP
	ProxySOCKS5
	ProxySSH
)

func (t ProxyType) String() string {
	switch t {
	case ProxyHTTP:
		return "http"
	case ProxySOCKS5:
		return "socks5"
	case ProxySSH:
		return "ssh"
	default:
		return "none"
	}
}

// ParseProxyType maps a configuration name to a ProxyType.
func ParseProxyType(s string) (ProxyType, error) {
	switch s {
	case "", "none":
		return ProxyNone, nil
	case "http":
		return ProxyHTTP, nil
	case "socks5":
		return ProxySOCKS5, nil
	case "ssh":
		return ProxySSH, nil
	}
	return ProxyNone, fmt.Errorf("socket: unknown proxy type %q", s)
}

// ProxyConfig describes the proxy every connection is tunnelled through.
type ProxyConfig struct {
	Type ProxyType
	Host string
	Port int
	User string
	Pass string

	// KeyPath and KnownHosts are used by SSH proxies only.
	KeyPath    string
	KnownHosts string
}

// Enabled reports whether a proxy is configured.
func (p *ProxyConfig) Enabled() bool {
	return p != nil && p.Type != ProxyNone && p.Host != ""
}

// Addr is the host:port of the proxy itself.
func (p *ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ErrProxyRefused is returned when the proxy declines the tunnel.
var ErrProxyRefused = errors.New("socket: proxy refused connection")

// Proxy returns a layer that negotiates a tunnel to target over the
// connection below, which must already reach the proxy. SSH proxies are
// not layered; they provide the base transport instead (see SSHTunnel).
func Proxy(cfg *ProxyConfig, target string) Layer {
	return func(ctx context.Context, next net.Conn) (net.Conn, error) {
		switch cfg.Type {
		case ProxyHTTP:
			return httpConnect(ctx, next, cfg, target)
		case ProxySOCKS5:
			return socks5Connect(ctx, next, cfg, target)
		}
		return nil, fmt.Errorf("socket: proxy type %s cannot be layered", cfg.Type)
	}
}

// connDialer hands an already established connection to the SOCKS dialer.
type connDialer struct {
	conn net.Conn
}

func (d connDialer) Dial(string, string) (net.Conn, error) {
	return d.conn, nil
}

func (d connDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return d.conn, nil
}

func socks5Connect(ctx context.Context, next net.Conn, cfg *ProxyConfig, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if cfg.User != "" {
		auth = &proxy.Auth{User: cfg.User, Password: cfg.Pass}
	}
	d, err := proxy.SOCKS5("tcp", cfg.Addr(), auth, connDialer{conn: next})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return d.Dial("tcp", target)
	}
	c, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyRefused, err)
	}
	return c, nil
}

// bufferedConn keeps bytes the proxy sent after its response headers.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(b)
	}
	return c.Conn.Read(b)
}

func httpConnect(ctx context.Context, next net.Conn, cfg *ProxyConfig, target string) (net.Conn, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = next.SetDeadline(dl)
		defer func() { _ = next.SetDeadline(time.Time{}) }()
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if cfg.User != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Pass))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err := next.Write([]byte(req)); err != nil {
		return nil, err
	}

	br := bufio.NewReader(next)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s", ErrProxyRefused, resp.Status)
	}
	return &bufferedConn{Conn: next, r: br}, nil
}
