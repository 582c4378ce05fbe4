// Package bufpool provides the fixed-size buffer pool shared by concurrent
// transfers, and the reader/writer abstractions that move pooled buffers
// between local files and data connections.
//
// Every call that cannot make progress returns Wait and remembers the
// supplied waiter. The waiter is invoked exactly once, from another
// goroutine, when progress becomes possible. Nothing in this package polls.
package bufpool

import (
	"errors"
	"sync"
)

// Status is the outcome of a pool, reader or writer call.
type Status int

const (
	// OK means the call made progress.
	OK Status = iota
	// Wait means the call registered its waiter and must be retried after it fires.
	Wait
	// Error means the reader or writer failed permanently. See Err.
	Error
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Wait:
		return "wait"
	case Error:
		return "error"
	}
	return "unknown"
}

// Waiter is called once when a Wait condition clears.
type Waiter func()

// ErrClosed is returned by a closed reader or writer.
var ErrClosed = errors.New("bufpool: closed")

// Buffer is a pooled fixed-capacity byte buffer. The readable region is
// Bytes(); free space for filling is Space().
type Buffer struct {
	data  []byte
	start int
	end   int
	pool  *Pool
}

// Bytes returns the unread contents.
func (b *Buffer) Bytes() []byte { return b.data[b.start:b.end] }

// Space returns the writable tail.
func (b *Buffer) Space() []byte { return b.data[b.end:] }

// Commit marks n bytes of Space as filled.
func (b *Buffer) Commit(n int) { b.end += n }

// Consume drops n bytes from the front of Bytes.
func (b *Buffer) Consume(n int) {
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.end - b.start }

// Full reports whether there is no space left.
func (b *Buffer) Full() bool { return b.end == len(b.data) }

// Release returns the buffer to its pool. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.start, b.end = 0, 0
	b.pool.put(b)
}

// Pool hands out a fixed number of equally sized buffers.
type Pool struct {
	mu      sync.Mutex
	size    int
	free    []*Buffer
	waiters []Waiter
}

// NewPool creates a pool of count buffers of size bytes each.
func NewPool(count, size int) *Pool {
	if count < 1 {
		count = 1
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{size: size}
	for range count {
		p.free = append(p.free, &Buffer{data: make([]byte, size), pool: p})
	}
	return p
}

// BufferSize returns the capacity of each buffer.
func (p *Pool) BufferSize() int { return p.size }

// Available returns the number of buffers currently in the pool.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Get takes a buffer. With none free it queues w and returns Wait.
func (p *Pool) Get(w Waiter) (*Buffer, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		return b, OK
	}
	if w != nil {
		p.waiters = append(p.waiters, w)
	}
	return nil, Wait
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	p.free = append(p.free, b)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	// Every waiter retries Get; those that lose the race queue again.
	for _, w := range waiters {
		w()
	}
}
