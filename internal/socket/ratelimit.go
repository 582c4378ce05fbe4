package socket

import (
	"context"
	"io"
	"net"

	"github.com/gonzalop/ftpengine/internal/ratelimit"
)

type rateConn struct {
	net.Conn
	r io.Reader
	w io.Writer
}

func (c *rateConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *rateConn) Write(b []byte) (int, error) { return c.w.Write(b) }

// RateLimit returns a layer throttling reads with in and writes with out.
// Either limiter may be nil. Waiting stops when ctx is cancelled.
func RateLimit(ctx context.Context, in, out *ratelimit.Limiter) Layer {
	return func(_ context.Context, next net.Conn) (net.Conn, error) {
		return &rateConn{
			Conn: next,
			r:    ratelimit.NewReader(ctx, next, in),
			w:    ratelimit.NewWriter(ctx, next, out),
		}, nil
	}
}
