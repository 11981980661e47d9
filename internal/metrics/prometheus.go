package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatengine_messages_sent_total", Help: "Outbound messages accepted by the provider."},
		[]string{"platform"},
	)
	MessagesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatengine_messages_failed_total", Help: "Outbound messages that failed terminally."},
		[]string{"platform", "reason"}, // permanent | exhausted
	)
	SendRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatengine_send_retries_total", Help: "Send retries scheduled."},
		[]string{"platform"},
	)
	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatengine_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"platform"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chatengine_queue_depth", Help: "Outbound messages waiting or in flight."},
	)
	Sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "chatengine_sessions", Help: "Registered sessions by status."},
		[]string{"status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatengine_webhook_events_total", Help: "Inbound webhook events by outcome."},
		[]string{"platform", "kind", "result"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatengine_rate_limited_total", Help: "Dispatch ticks skipped by the rate limiter."},
		[]string{"platform"},
	)
)

// Collectors lists the engine collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		MessagesSent, MessagesFailed, SendRetries, SendDuration,
		QueueDepth, Sessions, WebhookEvents, RateLimited,
	}
}

// NewPrometheusRegistry returns a registry with the Go and process
// collectors plus the engine collectors.
func NewPrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	reg.MustRegister(Collectors()...)
	return reg
}

// The helpers below update both the JSON registry and Prometheus.

func RecordSent(platform string, d time.Duration) {
	MessagesSent.WithLabelValues(platform).Inc()
	SendDuration.WithLabelValues(platform).Observe(d.Seconds())
	IncrementCounter("messages_sent_total", map[string]string{"platform": platform}, "Outbound messages sent")
	RecordTimer("send_duration", d, map[string]string{"platform": platform}, "Provider send latency")
}

func RecordFailed(platform, reason string) {
	MessagesFailed.WithLabelValues(platform, reason).Inc()
	IncrementCounter("messages_failed_total", map[string]string{"platform": platform, "reason": reason}, "Outbound messages failed")
}

func RecordRetry(platform string) {
	SendRetries.WithLabelValues(platform).Inc()
	IncrementCounter("send_retries_total", map[string]string{"platform": platform}, "Send retries scheduled")
}

func RecordRateLimited(platform string) {
	RateLimited.WithLabelValues(platform).Inc()
	IncrementCounter("rate_limited_total", map[string]string{"platform": platform}, "Dispatch skipped by rate limit")
}

func RecordWebhookEvent(platform, kind, result string) {
	WebhookEvents.WithLabelValues(platform, kind, result).Inc()
	IncrementCounter("webhook_events_total", map[string]string{"platform": platform, "kind": kind, "result": result}, "Webhook events processed")
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
	SetGauge("queue_depth", float64(n), nil, "Outbound messages pending")
}

func SetSessionCount(status string, n int) {
	Sessions.WithLabelValues(status).Set(float64(n))
	SetGauge("sessions", float64(n), map[string]string{"status": status}, "Registered sessions")
}
