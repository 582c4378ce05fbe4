package socket

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
)

// asciiConn translates network CRLF line endings to local LF on read and
// local LF to CRLF on write.
type asciiConn struct {
	net.Conn
	r *bufio.Reader

	wmu       sync.Mutex
	prevWasCR bool
	out       []byte
}

// ASCII returns the newline translation layer for ASCII mode transfers.
func ASCII() Layer {
	return func(_ context.Context, next net.Conn) (net.Conn, error) {
		return &asciiConn{Conn: next, r: bufio.NewReader(next)}, nil
	}
}

// Read strips the CR of every CRLF pair. A CR at the end of the buffered
// data is held until the next byte shows whether it starts a pair.
func (c *asciiConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.r.Buffered() == 0 {
		if _, err := c.r.Peek(1); err != nil {
			return 0, err
		}
	}

	n := 0
	for n < len(p) && c.r.Buffered() > 0 {
		peeked, _ := c.r.Peek(c.r.Buffered())
		idx := bytes.IndexByte(peeked, '\r')
		if idx == -1 {
			m := copy(p[n:], peeked)
			_, _ = c.r.Discard(m)
			n += m
			continue
		}
		if idx > 0 {
			m := copy(p[n:], peeked[:idx])
			_, _ = c.r.Discard(m)
			n += m
			continue
		}

		// peeked starts with CR
		if len(peeked) == 1 {
			if n > 0 {
				break
			}
			two, err := c.r.Peek(2)
			if err != nil || len(two) < 2 || two[1] != '\n' {
				p[n] = '\r'
				n++
				_, _ = c.r.Discard(1)
				continue
			}
			peeked = two
		}
		if peeked[1] == '\n' {
			p[n] = '\n'
			_, _ = c.r.Discard(2)
		} else {
			p[n] = '\r'
			_, _ = c.r.Discard(1)
		}
		n++
	}
	return n, nil
}

// Write inserts a CR before every LF not already preceded by one. It
// reports len(p) on success so callers see their own byte count.
func (c *asciiConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.out = c.out[:0]
	for _, b := range p {
		if b == '\n' && !c.prevWasCR {
			c.out = append(c.out, '\r')
		}
		c.out = append(c.out, b)
		c.prevWasCR = b == '\r'
	}
	if _, err := c.Conn.Write(c.out); err != nil {
		return 0, err
	}
	return len(p), nil
}
