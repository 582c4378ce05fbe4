// Package socket builds layered connections: a base transport wrapped by
// activity tracking, rate limiting, proxy tunnelling, TLS and ASCII newline
// translation. Every layer is a net.Conn that owns the layer below it.
package socket

import (
	"context"
	"errors"
	"net"
	"sync"
)

// ErrTornDown is returned when layering onto a stack that was closed.
var ErrTornDown = errors.New("socket: stack torn down")

// Layer wraps next and returns the new outermost connection.
type Layer func(ctx context.Context, next net.Conn) (net.Conn, error)

// Stack is an ordered set of layers, innermost first. The outermost layer
// is the one read and written by the owner. A stack is built once and torn
// down once; it is never relayered after Close.
type Stack struct {
	mu     sync.Mutex
	layers []net.Conn
	closed bool
}

// NewStack starts a stack on top of an established base transport.
func NewStack(base net.Conn) *Stack {
	return &Stack{layers: []net.Conn{base}}
}

// Push builds a new outermost layer. On failure the stack is unchanged and
// the caller decides whether to tear it down.
func (s *Stack) Push(ctx context.Context, layer Layer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTornDown
	}
	top := s.layers[len(s.layers)-1]
	s.mu.Unlock()

	c, err := layer(ctx, top)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return ErrTornDown
	}
	s.layers = append(s.layers, c)
	return nil
}

// Top returns the outermost connection.
func (s *Stack) Top() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layers[len(s.layers)-1]
}

// Base returns the innermost transport.
func (s *Stack) Base() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layers[0]
}

// Depth returns the number of layers including the base transport.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.layers)
}

// Find returns the outermost layer for which match is true.
func (s *Stack) Find(match func(net.Conn) bool) net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.layers) - 1; i >= 0; i-- {
		if match(s.layers[i]) {
			return s.layers[i]
		}
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// Shutdown half-closes the write side, outermost layer first, so a TLS
// close_notify precedes the TCP FIN.
func (s *Stack) Shutdown() error {
	s.mu.Lock()
	layers := append([]net.Conn(nil), s.layers...)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrTornDown
	}

	var first error
	for i := len(layers) - 1; i >= 0; i-- {
		if cw, ok := layers[i].(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Close tears the stack down. Closing the outermost layer closes every
// layer below it, innermost last, so each layer is closed exactly once.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	top := s.layers[len(s.layers)-1]
	s.mu.Unlock()

	if err := top.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Stack) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
