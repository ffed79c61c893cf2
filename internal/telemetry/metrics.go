// Package telemetry provides logging, correlation ids and Prometheus
// metrics for the sidecar.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the sidecar collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	chatRequests          *prometheus.CounterVec
	chatDuration          *prometheus.HistogramVec
	toolCalls             *prometheus.CounterVec
	toolDuration          *prometheus.HistogramVec
	summarizations        *prometheus.CounterVec
	summarizationDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with the Go and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_chat_requests_total",
			Help: "Chat requests by mode and outcome.",
		}, []string{"mode", "status"}),
		chatDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskmate_chat_duration_seconds",
			Help:    "Chat request duration.",
			Buckets: defaultBuckets,
		}, []string{"mode"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_tool_calls_total",
			Help: "Tool calls observed in response streams.",
		}, []string{"tool"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskmate_tool_duration_seconds",
			Help:    "Tool call duration from start to end event.",
			Buckets: defaultBuckets,
		}, []string{"tool"}),
		summarizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_summarizations_total",
			Help: "Background summarization runs by result.",
		}, []string{"result"}),
		summarizationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskmate_summarization_duration_seconds",
			Help:    "Background summarization duration.",
			Buckets: defaultBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.chatRequests,
		m.chatDuration,
		m.toolCalls,
		m.toolDuration,
		m.summarizations,
		m.summarizationDuration,
	)
	return m
}

// TrackConversations exposes count as the deskmate_conversations gauge.
func (m *Metrics) TrackConversations(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "deskmate_conversations",
		Help: "Conversations held in memory.",
	}, func() float64 { return float64(count()) }))
}

// RecordChat records one finished chat request.
func (m *Metrics) RecordChat(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(mode, status).Inc()
	m.chatDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordToolCall records a completed tool call.
func (m *Metrics) RecordToolCall(tool string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSummarization records one background summarization run.
func (m *Metrics) RecordSummarization(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.summarizations.WithLabelValues(result).Inc()
	m.summarizationDuration.Observe(duration.Seconds())
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
