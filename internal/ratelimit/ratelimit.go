// Package ratelimit throttles transfer bandwidth with token buckets from
// golang.org/x/time/rate.
//
// One Limiter is shared by every data connection of an engine for a given
// direction, so concurrent transfers split the configured rate between them.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter limits the number of bytes per second passing through it.
// A nil *Limiter does not limit.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing bytesPerSecond with the given burst in bytes.
// A non-positive rate means unlimited and returns nil. A non-positive burst
// defaults to one second worth of data.
func New(bytesPerSecond int64, burst int) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(bytesPerSecond)
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

// SetRate changes the sustained rate, e.g. after a configuration reload.
func (l *Limiter) SetRate(bytesPerSecond int64) {
	if l == nil || bytesPerSecond <= 0 {
		return
	}
	l.limiter.SetLimit(rate.Limit(bytesPerSecond))
}

// Burst returns the bucket size in bytes.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.limiter.Burst()
}

// WaitN blocks until n bytes may pass. Requests larger than the burst are
// split so they never fail with rate.Limiter's burst error.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	burst := l.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r throttled by limiter. A nil limiter returns r unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

// Read reserves tokens for what was actually read, so short reads are not
// charged for the whole buffer.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	const maxChunkSize = 8 * 1024
	if len(p) > maxChunkSize {
		p = p[:maxChunkSize]
	}
	if b := r.limiter.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w throttled by limiter. A nil limiter returns w unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

// Write consumes tokens before each chunk to apply backpressure.
func (w *writer) Write(p []byte) (int, error) {
	const maxChunkSize = 64 * 1024

	total := 0
	for total < len(p) {
		chunk := min(len(p)-total, maxChunkSize)
		if err := w.limiter.WaitN(w.ctx, chunk); err != nil {
			return total, err
		}
		n, err := w.w.Write(p[total : total+chunk])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
