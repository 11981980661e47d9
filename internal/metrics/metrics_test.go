package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"platform": "whatsapp", "reason": "exhausted"}

	r.IncrementCounter("failed", labels, "failures")
	r.IncrementCounter("failed", map[string]string{"reason": "exhausted", "platform": "whatsapp"}, "failures")
	r.AddToCounter("failed", 2.5, labels, "failures")
	r.IncrementCounter("plain", nil, "")

	snap := r.GetAllMetrics()
	require.Contains(t, snap.Counters, "failed_platform:whatsapp_reason:exhausted")
	assert.Equal(t, 4.5, snap.Counters["failed_platform:whatsapp_reason:exhausted"].Value)
	assert.Equal(t, 1.0, snap.Counters["plain"].Value)
	assert.Equal(t, Counter, snap.Counters["plain"].Type)

	labels["platform"] = "mutated"
	snap = r.GetAllMetrics()
	assert.Equal(t, "whatsapp", snap.Counters["failed_platform:whatsapp_reason:exhausted"].Labels["platform"])
}

func TestRegistry_Timers(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 20; i++ {
		r.RecordTimer("send", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := r.GetAllMetrics().Timers["send"]
	assert.Equal(t, int64(20), timer.Count)
	assert.Equal(t, 1.0, timer.Min)
	assert.Equal(t, 20.0, timer.Max)
	assert.InDelta(t, 10.5, timer.Average, 0.001)
	assert.Equal(t, 20.0, timer.P95)
	assert.Equal(t, 20.0, timer.P99)
}

func TestRegistry_TimerSampleWindow(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < maxTimerSamples+50; i++ {
		r.RecordTimer("t", time.Millisecond, nil, "")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Len(t, r.timers["t"].samples, maxTimerSamples)
}

func TestRegistry_GaugesAndReset(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("depth", 3, nil, "")
	r.SetGauge("depth", 7, nil, "")
	assert.Equal(t, 7.0, r.GetAllMetrics().Gauges["depth"].Value)

	r.Reset()
	snap := r.GetAllMetrics()
	assert.Empty(t, snap.Gauges)
	assert.Empty(t, snap.Counters)
}

func TestPrometheusHelpers(t *testing.T) {
	before := testutil.ToFloat64(MessagesSent.WithLabelValues("instagram"))
	RecordSent("instagram", 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesSent.WithLabelValues("instagram")))

	SetQueueDepth(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(QueueDepth))

	SetSessionCount("connected", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(Sessions.WithLabelValues("connected")))

	before = testutil.ToFloat64(RateLimited.WithLabelValues("facebook"))
	RecordRateLimited("facebook")
	assert.Equal(t, before+1, testutil.ToFloat64(RateLimited.WithLabelValues("facebook")))
}

func TestNewPrometheusRegistry(t *testing.T) {
	reg := NewPrometheusRegistry()
	RecordWebhookEvent("whatsapp", "message", "stored")

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "chatengine_webhook_events_total")
	assert.Contains(t, joined, "go_goroutines")
}
