package bufpool

import (
	"io"
	"sync"
)

// Reader supplies filled buffers for uploads.
type Reader interface {
	// GetBuffer returns the next filled buffer. A nil buffer with OK marks
	// the end of the data. Ownership of a returned buffer passes to the caller.
	GetBuffer(w Waiter) (*Buffer, Status)
	// Err returns the failure behind an Error status.
	Err() error
	Close() error
}

// ThreadedReader fills pooled buffers from an io.Reader on its own goroutine.
type ThreadedReader struct {
	src  io.Reader
	pool *Pool

	mu     sync.Mutex
	queue  []*Buffer
	eof    bool
	err    error
	waiter Waiter

	done      chan struct{}
	closeOnce sync.Once
}

// NewReader starts reading src into buffers taken from pool.
func NewReader(src io.Reader, pool *Pool) *ThreadedReader {
	r := &ThreadedReader{
		src:  src,
		pool: pool,
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *ThreadedReader) run() {
	for {
		b := acquire(r.pool, r.done)
		if b == nil {
			return
		}

		var err error
		for !b.Full() {
			var n int
			n, err = r.src.Read(b.Space())
			b.Commit(n)
			if err != nil {
				break
			}
		}

		r.mu.Lock()
		keep := b.Len() > 0
		if keep {
			r.queue = append(r.queue, b)
		}
		switch {
		case err == io.EOF:
			r.eof = true
		case err != nil:
			r.err = err
		}
		w := r.waiter
		r.waiter = nil
		r.mu.Unlock()

		if !keep {
			b.Release()
		}
		if w != nil {
			w()
		}
		if err != nil {
			return
		}
	}
}

// GetBuffer implements Reader.
func (r *ThreadedReader) GetBuffer(w Waiter) (*Buffer, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 {
		b := r.queue[0]
		r.queue = r.queue[1:]
		return b, OK
	}
	if r.err != nil {
		return nil, Error
	}
	if r.eof {
		return nil, OK
	}
	r.waiter = w
	return nil, Wait
}

// Err implements Reader.
func (r *ThreadedReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops the reader and returns queued buffers to the pool.
func (r *ThreadedReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		queued := r.queue
		r.queue = nil
		if r.err == nil && !r.eof {
			r.err = ErrClosed
		}
		r.mu.Unlock()
		for _, b := range queued {
			b.Release()
		}
	})
	return nil
}

// acquire blocks until pool yields a buffer or done is closed.
func acquire(pool *Pool, done <-chan struct{}) *Buffer {
	for {
		ready := make(chan struct{}, 1)
		b, st := pool.Get(func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		})
		if st == OK {
			return b
		}
		select {
		case <-ready:
		case <-done:
			return nil
		}
	}
}
