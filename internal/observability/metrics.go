package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon. Component
// helpers tolerate a nil receiver so unit tests can pass nil instead of
// wiring a registry.
type Metrics struct {
	PendingTurns  prometheus.Gauge
	TurnsBuffered *prometheus.CounterVec
	TurnsFiltered *prometheus.CounterVec
	Flushes       *prometheus.CounterVec
	FlushedTurns  prometheus.Counter
	FlushLatency  prometheus.Histogram
	Recalls       *prometheus.CounterVec
	RecallLatency prometheus.Histogram
	Registrations *prometheus.CounterVec
	HookMessages  *prometheus.CounterVec

	// window keeps a rolling latency view for the status endpoint, fed by
	// the same Observe helpers as the histograms.
	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		PendingTurns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_turns",
			Help:      "Turns currently buffered and not yet flushed.",
		}),
		TurnsBuffered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_buffered_total",
			Help:      "Turns accepted into the conversation buffer by role.",
		}, []string{"role"}),
		TurnsFiltered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_filtered_total",
			Help:      "Turns dropped before buffering by reason.",
		}, []string{"reason"}),
		Flushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Batch flush attempts by result.",
		}, []string{"result"}),
		FlushedTurns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_turns_total",
			Help:      "Turns shipped to the memory service.",
		}),
		FlushLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_latency_ms",
			Help:      "Flush round-trip latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		Recalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalls_total",
			Help:      "Recall requests by outcome.",
		}, []string{"outcome"}),
		RecallLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_latency_ms",
			Help:      "Recall round-trip latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		Registrations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Credential registration attempts by result.",
		}, []string{"result"}),
		HookMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_messages_total",
			Help:      "Host hook messages by transport and type.",
		}, []string{"transport", "type"}),
		window: newLatencyWindow(256),
	}
}

// Flush result labels.
const (
	FlushOK    = "ok"
	FlushQuota = "quota_exhausted"
	FlushError = "error"
)

// Recall outcome labels.
const (
	RecallOK       = "ok"
	RecallCacheHit = "cache_hit"
	RecallLimited  = "limited"
	RecallSkipped  = "skipped"
	RecallError    = "error"
)

func (m *Metrics) SetPendingTurns(n int) {
	if m == nil {
		return
	}
	m.PendingTurns.Set(float64(n))
}

func (m *Metrics) TurnBuffered(role string) {
	if m == nil {
		return
	}
	m.TurnsBuffered.WithLabelValues(role).Inc()
}

func (m *Metrics) TurnFiltered(reason string) {
	if m == nil {
		return
	}
	m.TurnsFiltered.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveFlush(result string, turns int, d time.Duration) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(result).Inc()
	if result == FlushOK {
		m.FlushedTurns.Add(float64(turns))
	}
	ms := float64(d.Milliseconds())
	m.FlushLatency.Observe(ms)
	m.window.Observe("flush", ms)
	if result != FlushOK {
		m.window.ObserveIndicator("flush_" + result)
	}
}

// ObserveRecall records a recall outcome. Latency is only observed for
// outcomes that reached the network; cache hits and short-circuits would
// otherwise drag the percentiles toward zero.
func (m *Metrics) ObserveRecall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Recalls.WithLabelValues(outcome).Inc()
	switch outcome {
	case RecallSkipped, RecallCacheHit:
	default:
		ms := float64(d.Milliseconds())
		m.RecallLatency.Observe(ms)
		m.window.Observe("recall", ms)
	}
	if outcome == RecallLimited || outcome == RecallError {
		m.window.ObserveIndicator("recall_" + outcome)
	}
}

func (m *Metrics) RegistrationResult(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
	m.window.Observe("registration", float64(d.Milliseconds()))
	if result != "ok" {
		m.window.ObserveIndicator("registration_" + result)
	}
}

// LatencySnapshot returns the rolling latency view for /v1/status.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.window.Snapshot()
}

func (m *Metrics) HookMessage(transport, msgType string) {
	if m == nil {
		return
	}
	m.HookMessages.WithLabelValues(transport, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
