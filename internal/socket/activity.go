package socket

import (
	"context"
	"net"
)

// ActivityFunc is told how many bytes moved in each direction.
type ActivityFunc func(read, written int)

// activityConn reports traffic to the owner's watchdog and progress meter.
type activityConn struct {
	net.Conn
	onActivity ActivityFunc
}

// Activity returns a layer that calls onActivity after every read or write
// that moved at least one byte.
func Activity(onActivity ActivityFunc) Layer {
	return func(_ context.Context, next net.Conn) (net.Conn, error) {
		return &activityConn{Conn: next, onActivity: onActivity}, nil
	}
}

func (c *activityConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.onActivity != nil {
		c.onActivity(n, 0)
	}
	return n, err
}

func (c *activityConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 && c.onActivity != nil {
		c.onActivity(0, n)
	}
	return n, err
}
