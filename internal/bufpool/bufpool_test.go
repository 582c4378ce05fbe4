package bufpool

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal() (Waiter, <-chan struct{}) {
	ch := make(chan struct{}, 1)
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}, ch
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not called")
	}
}

func TestPoolWaitsUntilRelease(t *testing.T) {
	t.Parallel()
	p := NewPool(1, 8)

	b, st := p.Get(nil)
	require.Equal(t, OK, st)
	require.NotNil(t, b)

	w, woke := signal()
	_, st = p.Get(w)
	require.Equal(t, Wait, st)

	b.Release()
	waitFor(t, woke)

	b2, st := p.Get(nil)
	require.Equal(t, OK, st)
	assert.Equal(t, 0, b2.Len())
	assert.Equal(t, 8, len(b2.Space()))
}

func TestBufferCommitConsume(t *testing.T) {
	t.Parallel()
	p := NewPool(1, 4)
	b, _ := p.Get(nil)
	n := copy(b.Space(), "abcd")
	b.Commit(n)
	assert.True(t, b.Full())
	b.Consume(2)
	assert.Equal(t, []byte("cd"), b.Bytes())
	b.Consume(2)
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Full())
}

func TestThreadedReaderDeliversAllData(t *testing.T) {
	t.Parallel()
	p := NewPool(2, 3)
	r := NewReader(strings.NewReader("hello world"), p)
	defer r.Close()

	var got bytes.Buffer
	for {
		w, woke := signal()
		b, st := r.GetBuffer(w)
		switch st {
		case Wait:
			waitFor(t, woke)
			continue
		case Error:
			t.Fatalf("unexpected error: %v", r.Err())
		}
		if b == nil {
			break
		}
		got.Write(b.Bytes())
		b.Release()
	}
	assert.Equal(t, "hello world", got.String())
	assert.Equal(t, 2, p.Available())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk error") }

func TestThreadedReaderError(t *testing.T) {
	t.Parallel()
	r := NewReader(failingReader{}, NewPool(1, 4))
	defer r.Close()

	for {
		w, woke := signal()
		_, st := r.GetBuffer(w)
		if st == Wait {
			waitFor(t, woke)
			continue
		}
		require.Equal(t, Error, st)
		assert.EqualError(t, r.Err(), "disk error")
		return
	}
}

type slowWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	release chan struct{}
}

func (s *slowWriter) Write(p []byte) (int, error) {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func TestThreadedWriterBackpressure(t *testing.T) {
	t.Parallel()
	p := NewPool(4, 2)
	dst := &slowWriter{release: make(chan struct{})}
	w := NewWriter(dst, 2)
	defer w.Close()

	fill := func(s string) *Buffer {
		b, st := p.Get(nil)
		require.Equal(t, OK, st)
		b.Commit(copy(b.Space(), s))
		return b
	}

	// The first buffer is picked up by the worker, which blocks in Write.
	require.Equal(t, OK, w.AddBuffer(fill("ab"), nil))
	time.Sleep(20 * time.Millisecond)

	waiter, woke := signal()
	require.Equal(t, Wait, w.AddBuffer(fill("cd"), waiter))

	close(dst.release)
	waitFor(t, woke)

	fw, finished := signal()
	if w.Finalize(fw) == Wait {
		waitFor(t, finished)
	}
	require.Equal(t, OK, w.Finalize(nil))

	dst.mu.Lock()
	assert.Equal(t, "abcd", dst.buf.String())
	dst.mu.Unlock()
	assert.Equal(t, 4, p.Available())
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, io.ErrShortWrite }

func TestThreadedWriterErrorSurfacesOnFinalize(t *testing.T) {
	t.Parallel()
	p := NewPool(1, 2)
	w := NewWriter(errWriter{}, 2)
	defer w.Close()

	b, _ := p.Get(nil)
	b.Commit(1)
	require.Equal(t, OK, w.AddBuffer(b, nil))

	fw, finished := signal()
	if w.Finalize(fw) == Wait {
		waitFor(t, finished)
	}
	assert.Equal(t, Error, w.Finalize(nil))
	assert.ErrorIs(t, w.Err(), io.ErrShortWrite)
}
