package ratelimit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"Valid rate", 1024, false},
		{"Zero rate (unlimited)", 0, true},
		{"Negative rate (unlimited)", -1, true},
		{"High rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond, 0)
			if tt.expectNil && limiter != nil {
				t.Errorf("Expected nil limiter for rate %d, got non-nil", tt.bytesPerSecond)
			}
			if !tt.expectNil && limiter == nil {
				t.Errorf("Expected non-nil limiter for rate %d, got nil", tt.bytesPerSecond)
			}
		})
	}
}

func TestNilLimiterPassThrough(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if NewWriter(context.Background(), &buf, nil) != &buf {
		t.Error("Expected original writer when limiter is nil")
	}
	r := bytes.NewReader(nil)
	if NewReader(context.Background(), r, nil) != r {
		t.Error("Expected original reader when limiter is nil")
	}
	var l *Limiter
	if err := l.WaitN(context.Background(), 1<<20); err != nil {
		t.Errorf("nil limiter WaitN() = %v", err)
	}
}

func TestWaitNLargerThanBurst(t *testing.T) {
	t.Parallel()
	l := New(1<<20, 1024)
	if err := l.WaitN(context.Background(), 4096); err != nil {
		t.Fatalf("WaitN() error = %v", err)
	}
}

func TestWriterThrottles(t *testing.T) {
	t.Parallel()
	// 10 KB/s with a 1 KB burst: 3 KB must take at least ~200ms.
	l := New(10*1024, 1024)
	var buf bytes.Buffer
	w := NewWriter(context.Background(), &buf, l)

	start := time.Now()
	if _, err := w.Write(make([]byte, 3*1024)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Write finished too fast: %v", elapsed)
	}
	if buf.Len() != 3*1024 {
		t.Errorf("wrote %d bytes, want %d", buf.Len(), 3*1024)
	}
}

func TestReaderCancelled(t *testing.T) {
	t.Parallel()
	l := New(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReader(ctx, bytes.NewReader([]byte("abc")), l)
	// The first byte drains the initial token, the second has to wait.
	buf := make([]byte, 1)
	_, _ = r.Read(buf)
	_, err := r.Read(buf)
	if err == nil || err == io.EOF {
		t.Errorf("Read() with cancelled context error = %v, want context error", err)
	}
}
