// Package observability collects Prometheus metrics for the gateway's
// run queue, agent loop, tool calls, and memory search, grounded on the
// teacher's internal/observability.Metrics (promauto-registered
// CounterVec/HistogramVec/GaugeVec, one constructor, one struct field
// per series), narrowed to the series this spec's components actually
// produce rather than the teacher's channel/webhook/database surface.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every series this gateway emits. A nil *Metrics is safe
// to call methods on (all methods are nil-receiver-safe no-ops), so
// instrumentation call sites never need a separate "is metrics enabled"
// check.
type Metrics struct {
	// QueueDepth tracks each session's pending (not yet running) job
	// count, set on every Enqueue/dequeue.
	// Labels: session_id
	QueueDepth *prometheus.GaugeVec

	// RunDuration measures wall-clock time from a queued job starting
	// to run until it completes (success, error, or cancellation).
	// Labels: outcome (success|error|cancelled)
	RunDuration *prometheus.HistogramVec

	// RunsTotal counts completed runs by outcome.
	// Labels: outcome (success|error|cancelled)
	RunsTotal *prometheus.CounterVec

	// ToolCallDuration measures one tool invocation's execution time.
	// Labels: tool, status (success|error|denied)
	ToolCallDuration *prometheus.HistogramVec

	// MemorySearchDuration measures one hybrid memory search call,
	// covering lexical scan, vector scan, and merge.
	MemorySearchDuration prometheus.Histogram

	// CompactionsTotal counts rolling-summary compactions performed.
	CompactionsTotal prometheus.Counter

	// ActiveSessions is a gauge of sessions with at least one queued or
	// running job right now.
	ActiveSessions prometheus.Gauge

	// ReapedRunsTotal counts runs the supervisor force-cancelled for
	// exceeding the attach window.
	ReapedRunsTotal prometheus.Counter
}

// New creates and registers every series against the default registry.
// Call once per process.
func New() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatewayd_queue_depth",
			Help: "Pending jobs per session in the run queue.",
		}, []string{"session_id"}),

		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatewayd_run_duration_seconds",
			Help:    "Duration of an agent run from dequeue to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewayd_runs_total",
			Help: "Completed agent runs by outcome.",
		}, []string{"outcome"}),

		ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatewayd_tool_call_duration_seconds",
			Help:    "Duration of one tool invocation.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool", "status"}),

		MemorySearchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatewayd_memory_search_duration_seconds",
			Help:    "Duration of a hybrid lexical+vector memory search.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),

		CompactionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_compactions_total",
			Help: "Rolling-summary compactions performed.",
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gatewayd_active_sessions",
			Help: "Sessions with a queued or running job.",
		}),

		ReapedRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_reaped_runs_total",
			Help: "Runs force-cancelled by the maintenance supervisor for exceeding the attach window.",
		}),
	}
}

func (m *Metrics) SetQueueDepth(sessionID string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallDuration.WithLabelValues(tool, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveMemorySearch(d time.Duration) {
	if m == nil {
		return
	}
	m.MemorySearchDuration.Observe(d.Seconds())
}

func (m *Metrics) CompactionPerformed() {
	if m == nil {
		return
	}
	m.CompactionsTotal.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RunReaped() {
	if m == nil {
		return
	}
	m.ReapedRunsTotal.Inc()
}
