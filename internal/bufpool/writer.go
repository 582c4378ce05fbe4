package bufpool

import (
	"io"
	"sync"
)

// Writer consumes filled buffers for downloads.
type Writer interface {
	// AddBuffer takes ownership of b. Wait means b was accepted but the
	// caller must not add another buffer until w fires.
	AddBuffer(b *Buffer, w Waiter) Status
	// Finalize flushes everything queued. It returns Wait until the data
	// has reached its destination.
	Finalize(w Waiter) Status
	// Err returns the failure behind an Error status.
	Err() error
	Close() error
}

type syncer interface {
	Sync() error
}

// ThreadedWriter drains buffers into an io.Writer on its own goroutine.
type ThreadedWriter struct {
	dst      io.Writer
	maxQueue int

	mu         sync.Mutex
	queue      []*Buffer
	inflight   int
	err        error
	waiter     Waiter
	finalizing bool
	finished   bool

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWriter starts a writer that accepts up to maxQueue buffers before
// AddBuffer reports Wait.
func NewWriter(dst io.Writer, maxQueue int) *ThreadedWriter {
	if maxQueue < 1 {
		maxQueue = 1
	}
	w := &ThreadedWriter{
		dst:      dst,
		maxQueue: maxQueue,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *ThreadedWriter) kick() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *ThreadedWriter) run() {
	for {
		select {
		case <-w.signal:
		case <-w.done:
			return
		}
		if w.drain() {
			return
		}
	}
}

// drain writes queued buffers and reports whether the writer is finished.
func (w *ThreadedWriter) drain() bool {
	for {
		w.mu.Lock()
		if w.err != nil {
			w.mu.Unlock()
			return true
		}
		if len(w.queue) == 0 {
			if !w.finalizing {
				w.mu.Unlock()
				return false
			}
			w.mu.Unlock()
			var err error
			if s, ok := w.dst.(syncer); ok {
				err = s.Sync()
			}
			w.mu.Lock()
			w.err = err
			w.finished = true
			waiter := w.waiter
			w.waiter = nil
			w.mu.Unlock()
			if waiter != nil {
				waiter()
			}
			return true
		}
		b := w.queue[0]
		w.queue = w.queue[1:]
		w.inflight++
		w.mu.Unlock()

		_, err := w.dst.Write(b.Bytes())
		b.Release()

		w.mu.Lock()
		w.inflight--
		var waiter Waiter
		if err != nil {
			w.err = err
			waiter = w.waiter
			w.waiter = nil
		} else if !w.finalizing && len(w.queue)+w.inflight < w.maxQueue {
			waiter = w.waiter
			w.waiter = nil
		}
		w.mu.Unlock()
		if waiter != nil {
			waiter()
		}
	}
}

// AddBuffer implements Writer.
func (w *ThreadedWriter) AddBuffer(b *Buffer, waiter Waiter) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil || w.finalizing {
		b.Release()
		if w.err == nil {
			w.err = ErrClosed
		}
		return Error
	}
	w.queue = append(w.queue, b)
	w.kick()
	if len(w.queue)+w.inflight >= w.maxQueue {
		w.waiter = waiter
		return Wait
	}
	return OK
}

// Finalize implements Writer.
func (w *ThreadedWriter) Finalize(waiter Waiter) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		if w.err != nil {
			return Error
		}
		return OK
	}
	if w.err != nil {
		return Error
	}
	w.finalizing = true
	w.waiter = waiter
	w.kick()
	return Wait
}

// Err implements Writer.
func (w *ThreadedWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the writer, dropping anything still queued.
func (w *ThreadedWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		queued := w.queue
		w.queue = nil
		if w.err == nil && !w.finished {
			w.err = ErrClosed
		}
		w.mu.Unlock()
		for _, b := range queued {
			b.Release()
		}
	})
	return nil
}
