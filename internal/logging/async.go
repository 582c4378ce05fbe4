package logging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

type entry struct {
	h slog.Handler
	r slog.Record
}

type asyncState struct {
	ch      chan entry
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// AsyncHandler hands records to a background goroutine so logging never
// blocks the caller. When the queue is full the record is dropped.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// NewAsyncHandler starts an async handler forwarding to inner with room for size queued records.
func NewAsyncHandler(inner slog.Handler, size int) *AsyncHandler {
	if size < 1 {
		size = 1
	}
	st := &asyncState{
		ch:   make(chan entry, size),
		done: make(chan struct{}),
	}
	go func() {
		defer close(st.done)
		for e := range st.ch {
			_ = e.h.Handle(context.Background(), e.r)
		}
	}()
	return &AsyncHandler{inner: inner, state: st}
}

// Enabled implements slog.Handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	select {
	case h.state.ch <- entry{h: h.inner, r: r.Clone()}:
	default:
		h.state.dropped.Add(1)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup implements slog.Handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// Dropped returns how many records were discarded because the queue was full.
func (h *AsyncHandler) Dropped() int64 {
	return h.state.dropped.Load()
}

// Close flushes queued records and stops the goroutine. Handle must not be called afterwards.
func (h *AsyncHandler) Close() {
	h.state.once.Do(func() {
		close(h.state.ch)
	})
	<-h.state.done
}
