package ftpengine

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress counts the bytes of one transfer. It is safe to read from any
// goroutine while the transfer runs.
type Progress struct {
	// Total is the expected size, or -1 if unknown.
	Total int64
	// Offset is where the transfer resumed.
	Offset int64

	done    atomic.Int64
	started time.Time
}

// NewProgress starts counting now.
func NewProgress(total, offset int64) *Progress {
	return &Progress{Total: total, Offset: offset, started: time.Now()}
}

func (p *Progress) add(n int) {
	if n > 0 {
		p.done.Add(int64(n))
	}
}

// Transferred returns the bytes moved so far, not counting the offset.
func (p *Progress) Transferred() int64 { return p.done.Load() }

// Rate returns the average speed in bytes per second.
func (p *Progress) Rate() float64 {
	elapsed := time.Since(p.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.Transferred()) / elapsed
}

// String formats the status line shown while a transfer runs, for example
// "1.5 MiB of 10 MiB (15%) at 512 KiB/s".
func (p *Progress) String() string {
	pos := p.Offset + p.Transferred()
	rate := humanize.IBytes(uint64(p.Rate())) + "/s"
	if p.Total <= 0 {
		return fmt.Sprintf("%s at %s", humanize.IBytes(uint64(pos)), rate)
	}
	pct := pos * 100 / p.Total
	return fmt.Sprintf("%s of %s (%d%%) at %s", humanize.IBytes(uint64(pos)), humanize.IBytes(uint64(p.Total)), pct, rate)
}

// ProgressReader counts what is read through it.
type ProgressReader struct {
	Reader   io.Reader
	Progress *Progress
}

func (pr *ProgressReader) Read(b []byte) (int, error) {
	n, err := pr.Reader.Read(b)
	pr.Progress.add(n)
	return n, err
}

// ProgressWriter counts what is written through it. Sync is forwarded so
// the buffered writer can flush files before the transfer is reported done.
type ProgressWriter struct {
	Writer   io.Writer
	Progress *Progress
}

func (pw *ProgressWriter) Write(b []byte) (int, error) {
	n, err := pw.Writer.Write(b)
	pw.Progress.add(n)
	return n, err
}

func (pw *ProgressWriter) Sync() error {
	if s, ok := pw.Writer.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
