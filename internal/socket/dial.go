package socket

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens base transports, optionally through a proxy.
type Dialer struct {
	// LocalAddr binds the local end when set.
	LocalAddr net.Addr
	// Timeout bounds connection establishment.
	Timeout time.Duration
	// RecvBuffer and SendBuffer set the kernel socket buffers when positive.
	RecvBuffer int
	SendBuffer int

	// Network is "tcp", "tcp4" or "tcp6". Empty means "tcp".
	Network string

	Proxy  *ProxyConfig
	Tunnel *SSHTunnel
}

func (d *Dialer) network() string {
	if d.Network == "" {
		return "tcp"
	}
	return d.Network
}

// DialBase opens the innermost transport for a connection to address:
// a TCP connection to address itself, to the HTTP or SOCKS5 proxy, or a
// channel forwarded by the SSH tunnel. Callers layering their own stack
// push the proxy layer themselves when Layered reports true.
func (d *Dialer) DialBase(ctx context.Context, address string) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if d.Proxy.Enabled() && d.Proxy.Type == ProxySSH {
		if d.Tunnel == nil {
			return nil, fmt.Errorf("socket: ssh proxy without tunnel")
		}
		return d.Tunnel.Dial(ctx, d.network(), address)
	}

	target := address
	if d.Layered() {
		target = d.Proxy.Addr()
	}
	nd := net.Dialer{LocalAddr: d.LocalAddr}
	c, err := nd.DialContext(ctx, d.network(), target)
	if err != nil {
		return nil, err
	}
	d.tune(c)
	return c, nil
}

// Layered reports whether connections need a proxy layer on top of the
// base transport.
func (d *Dialer) Layered() bool {
	return d.Proxy.Enabled() && d.Proxy.Type != ProxySSH
}

// Dial connects to address and returns a stack whose outermost layer
// reaches it.
func (d *Dialer) Dial(ctx context.Context, address string) (*Stack, error) {
	c, err := d.DialBase(ctx, address)
	if err != nil {
		return nil, err
	}
	s := NewStack(c)
	if d.Layered() {
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		if err := s.Push(ctx, Proxy(d.Proxy, address)); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (d *Dialer) tune(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	if d.RecvBuffer > 0 {
		_ = tc.SetReadBuffer(d.RecvBuffer)
	}
	if d.SendBuffer > 0 {
		_ = tc.SetWriteBuffer(d.SendBuffer)
	}
}

// Tune applies the dialer's socket buffer sizes to an accepted connection.
func (d *Dialer) Tune(c net.Conn) { d.tune(c) }
