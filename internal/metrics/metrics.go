// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	syncRuns             *prometheus.CounterVec
	syncDuration         *prometheus.HistogramVec
	conversationFailures prometheus.Counter
	messagesSaved        prometheus.Counter
	liveEvents           *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sync_runs_total",
			Help: "Sync passes by mode and result",
		}, []string{"mode", "result"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatsync_sync_duration_seconds",
			Help:    "Duration of sync passes",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		conversationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_conversation_sync_failures_total",
			Help: "Conversations skipped in a sync pass after a remote error",
		}),
		messagesSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_saved_total",
			Help: "Messages written through the repository",
		}),
		liveEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_live_events_total",
			Help: "Live stream events handled, by kind",
		}, []string{"kind"}),
		gatherer: reg,
	}
}

// SyncRun records the outcome of one sync pass.
func (m *Metrics) SyncRun(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(mode, result).Inc()
	m.syncDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ConversationFailed counts a conversation skipped in a pass.
func (m *Metrics) ConversationFailed() {
	if m == nil {
		return
	}
	m.conversationFailures.Inc()
}

// MessagesSaved counts n messages written.
func (m *Metrics) MessagesSaved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesSaved.Add(float64(n))
}

// LiveEvent counts one handled live event.
func (m *Metrics) LiveEvent(kind string) {
	if m == nil {
		return
	}
	m.liveEvents.WithLabelValues(kind).Inc()
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
