package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics records control and data channel activity.
type EngineMetrics interface {
	// RecordCommand counts a command written to the control channel.
	RecordCommand(verb string)

	// RecordReply counts a reply by its class ("1xx".."5xx").
	RecordReply(code int)

	// RecordTransfer records a finished data connection with its end reason.
	RecordTransfer(mode, reason string, duration time.Duration)

	// RecordBytes adds bytes moved over data connections ("in" or "out").
	RecordBytes(direction string, n int64)

	// RecordResolve counts external address lookups by outcome.
	RecordResolve(outcome string)
}

type engineMetrics struct {
	commands  *prometheus.CounterVec
	replies   *prometheus.CounterVec
	transfers *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
	resolves  *prometheus.CounterVec
}

var (
	engineOnce     sync.Once
	engineInstance EngineMetrics
)

// NewEngineMetrics returns the Prometheus-backed implementation, or a no-op
// when metrics are disabled. All callers share one set of collectors.
func NewEngineMetrics() EngineMetrics {
	if !IsEnabled() {
		return NewNoopEngineMetrics()
	}
	engineOnce.Do(func() {
		reg := GetRegistry()
		engineInstance = &engineMetrics{
			commands: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ftpengine_commands_total",
					Help: "Commands sent on control connections",
				},
				[]string{"verb"},
			),
			replies: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ftpengine_replies_total",
					Help: "Replies received on control connections by class",
				},
				[]string{"class"},
			),
			transfers: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ftpengine_transfers_total",
					Help: "Finished data connections by mode and end reason",
				},
				[]string{"mode", "reason"},
			),
			duration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ftpengine_transfer_duration_seconds",
					Help:    "Lifetime of data connections",
					Buckets: []float64{0.01, 0.1, 1, 10, 60, 600},
				},
				[]string{"mode"},
			),
			bytes: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ftpengine_bytes_total",
					Help: "Bytes moved over data connections",
				},
				[]string{"direction"},
			),
			resolves: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ftpengine_external_ip_lookups_total",
					Help: "External address lookups by outcome",
				},
				[]string{"outcome"},
			),
		}
	})
	return engineInstance
}

func (m *engineMetrics) RecordCommand(verb string) {
	m.commands.WithLabelValues(verb).Inc()
}

func (m *engineMetrics) RecordReply(code int) {
	class := "other"
	if code >= 100 && code < 600 {
		class = string(rune('0'+code/100)) + "xx"
	}
	m.replies.WithLabelValues(class).Inc()
}

func (m *engineMetrics) RecordTransfer(mode, reason string, duration time.Duration) {
	m.transfers.WithLabelValues(mode, reason).Inc()
	m.duration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *engineMetrics) RecordBytes(direction string, n int64) {
	if n > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *engineMetrics) RecordResolve(outcome string) {
	m.resolves.WithLabelValues(outcome).Inc()
}

type noopEngineMetrics struct{}

// NewNoopEngineMetrics returns an implementation that records nothing.
func NewNoopEngineMetrics() EngineMetrics { return noopEngineMetrics{} }

func (noopEngineMetrics) RecordCommand(string) {}
func (noopEngineMetrics) RecordReply(int) {}
func (noopEngineMetrics) RecordTransfer(string, string, time.Duration) {}
func (noopEngineMetrics) RecordBytes(string, int64) {}
func (noopEngineMetrics) RecordResolve(string) {}
