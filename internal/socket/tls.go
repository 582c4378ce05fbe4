package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// TLSClient returns a layer performing a client handshake with cfg.
// Sessions resume when cfg carries the ClientSessionCache and ServerName
// used by an earlier connection.
func TLSClient(cfg *tls.Config) Layer {
	return func(ctx context.Context, next net.Conn) (net.Conn, error) {
		c := tls.Client(next, cfg)
		if err := c.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return c, nil
	}
}

// TLSConn returns the outermost TLS layer of s, if any.
func TLSConn(s *Stack) (*tls.Conn, bool) {
	c := s.Find(func(c net.Conn) bool {
		_, ok := c.(*tls.Conn)
		return ok
	})
	if c == nil {
		return nil, false
	}
	return c.(*tls.Conn), true
}

// ParseTLSVersion maps "1.0" to "1.3" onto crypto/tls version constants.
func ParseTLSVersion(s string) (uint16, error) {
	switch s {
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("socket: unknown TLS version %q", s)
}
