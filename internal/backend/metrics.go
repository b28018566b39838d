package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "querytrace"

// Reasons a session's records never reached the store.
const (
	dropQueueFull  = "queue_full"
	dropWriteError = "write_error"
	dropStopped    = "stopped"
	dropKilled     = "killed"
)

// Metrics holds the backend's prometheus collectors. Each Backend owns its
// own registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	traceErrors     prometheus.Counter
	sessionsWritten prometheus.Counter
	eventsWritten   prometheus.Counter
	slowQueries     prometheus.Counter
	filtered        prometheus.Counter
	dropped         *prometheus.CounterVec
	writeErrors     prometheus.Counter
	writeLatency    prometheus.Histogram
	queueDepth      prometheus.GaugeFunc
	activeSessions  prometheus.GaugeFunc
	budgetPending   prometheus.GaugeFunc
	breakerState    prometheus.GaugeFunc
}

func newMetrics(b *Backend) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		traceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_errors_total",
			Help:      "Trace sessions whose records were dropped because they could not be built.",
		}),
		sessionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_written_total",
			Help:      "Session summary rows written to the store.",
		}),
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_written_total",
			Help:      "Trace event rows written to the store.",
		}),
		slowQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_queries_total",
			Help:      "Written sessions flagged as slow queries.",
		}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_filtered_total",
			Help:      "Primary sessions skipped by the write filter.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Record submissions discarded before reaching the store, by reason.",
		}, []string{"reason"}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_errors_total",
			Help:      "Failed store write attempts, including retries.",
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_write_seconds",
			Help:      "Latency of successful per-session store writes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "write_queue_depth",
		Help:      "Submissions waiting for the writer.",
	}, func() float64 { return float64(len(b.queue)) })
	m.activeSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Trace sessions created and not yet closed.",
	}, func() float64 { return float64(b.registry.ActiveCount()) })
	m.budgetPending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "budget_pending_sessions",
		Help:      "Finalized primary sessions charged to the budget and not yet released.",
	}, func() float64 { return float64(b.budget.Pending()) })
	m.breakerState = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_breaker_state",
		Help:      "Store circuit breaker state: 0 closed, 1 open, 2 half-open.",
	}, func() float64 { return float64(b.breaker.State()) })

	m.registry.MustRegister(
		m.traceErrors,
		m.sessionsWritten,
		m.eventsWritten,
		m.slowQueries,
		m.filtered,
		m.dropped,
		m.writeErrors,
		m.writeLatency,
		m.queueDepth,
		m.activeSessions,
		m.budgetPending,
		m.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, reason := range []string{dropQueueFull, dropWriteError, dropStopped, dropKilled} {
		m.dropped.WithLabelValues(reason).Add(0)
	}
	return m
}

// Registry returns the registry the backend's collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
