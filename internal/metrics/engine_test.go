package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopWhenDisabled(t *testing.T) {
	if IsEnabled() {
		t.Skip("registry already initialised by another test")
	}
	m := NewEngineMetrics()
	_, ok := m.(noopEngineMetrics)
	assert.True(t, ok)
	m.RecordCommand("CWD")
}

func TestPrometheusEngineMetrics(t *testing.T) {
	InitRegistry()
	m := NewEngineMetrics()
	require.Same(t, m, NewEngineMetrics())

	impl, ok := m.(*engineMetrics)
	require.True(t, ok)

	// The collectors live as long as the process, so only deltas count.
	counters := map[string]prometheus.Collector{
		"commands MKD":        impl.commands.WithLabelValues("MKD"),
		"replies 5xx":         impl.replies.WithLabelValues("5xx"),
		"replies other":       impl.replies.WithLabelValues("other"),
		"bytes in":            impl.bytes.WithLabelValues("in"),
		"transfers succeeded": impl.transfers.WithLabelValues("download", "successful"),
		"resolves ok":         impl.resolves.WithLabelValues("ok"),
	}
	before := make(map[string]float64, len(counters))
	for name, c := range counters {
		before[name] = testutil.ToFloat64(c)
	}

	m.RecordCommand("MKD")
	m.RecordReply(550)
	m.RecordReply(42)
	m.RecordTransfer("download", "successful", 2*time.Second)
	m.RecordBytes("in", 1024)
	m.RecordResolve("ok")

	want := map[string]float64{
		"commands MKD":        1,
		"replies 5xx":         1,
		"replies other":       1,
		"bytes in":            1024,
		"transfers succeeded": 1,
		"resolves ok":         1,
	}
	for name, c := range counters {
		assert.Equal(t, want[name], testutil.ToFloat64(c)-before[name], name)
	}
}
