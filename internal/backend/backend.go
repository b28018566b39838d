// Package backend is the process-wide write-back path for trace sessions.
// Sessions hand their records to a Backend without blocking; a single
// writer goroutine batches submissions and persists each session's rows
// to a trace.Store in one transaction.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/querytrace/querytrace/internal/alert"
	"github.com/querytrace/querytrace/internal/config"
	"github.com/querytrace/querytrace/internal/killswitch"
	"github.com/querytrace/querytrace/internal/policy"
	"github.com/querytrace/querytrace/internal/sanitize"
	"github.com/querytrace/querytrace/internal/session"
	"github.com/querytrace/querytrace/internal/trace"
	"github.com/querytrace/querytrace/internal/tracing"
)

// PersistFunc observes rows after they were committed. It runs on the
// writer goroutine and must not block.
type PersistFunc func(sess *trace.Session, events []*trace.Event)

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the clock used for session timing, flush ticks and the
// circuit breaker.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) { b.clock = c }
}

// WithLogger sets the logger handed to the backend and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.baseLogger = l }
}

// WithCoordinator sets the node address recorded on written rows.
func WithCoordinator(addr string) Option {
	return func(b *Backend) { b.coordinator = addr }
}

// WithOnPersist registers a hook run after every committed write.
func WithOnPersist(fn PersistFunc) Option {
	return func(b *Backend) { b.onPersist = fn }
}

// Alerter receives operational alerts. *alert.Manager implements it.
type Alerter interface {
	Send(a alert.Alert)
}

// WithAlerts routes breaker transitions and dropped records to a.
func WithAlerts(a Alerter) Option {
	return func(b *Backend) { b.alerts = a }
}

// WithKillSwitch lets operators stop write-back through ks.
func WithKillSwitch(ks *killswitch.KillSwitch) Option {
	return func(b *Backend) { b.kill = ks }
}

type submission struct {
	recs  *tracing.Records
	flush bool
}

type counters struct {
	traceErrors     atomic.Uint64
	sessionsWritten atomic.Uint64
	eventsWritten   atomic.Uint64
	filtered        atomic.Uint64
	dropped         atomic.Uint64
	writeErrors     atomic.Uint64
}

// Backend implements tracing.Backend on top of a trace.Store.
type Backend struct {
	store       trace.Store
	budget      *policy.Budget
	breaker     *policy.Breaker
	registry    *session.Manager
	evaluator   *policy.CELEvaluator
	redactor    *sanitize.Redactor
	metrics     *Metrics
	clock       clock.Clock
	coordinator string
	onPersist   PersistFunc
	alerts      Alerter
	kill        *killswitch.KillSwitch

	baseLogger *slog.Logger
	logger     *slog.Logger

	slowThreshold atomic.Int64
	maxEvents     atomic.Int64
	writeOnClose  atomic.Bool
	obfuscate     atomic.Bool
	filter        atomic.Pointer[policy.CompiledRule]

	mu             sync.RWMutex
	retry          config.RetryConfig
	flushInterval  time.Duration
	flushBatchSize int

	// admit is held shared while a submission is enqueued and exclusively
	// while admission closes, so nothing enters the queue after the final
	// drain.
	admit   sync.RWMutex
	queue   chan submission
	started atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	stats counters
}

// New creates a stopped Backend. Call Start before creating sessions.
func New(store trace.Store, cfg config.TracingConfig, opts ...Option) (*Backend, error) {
	if store == nil {
		return nil, fmt.Errorf("trace store is required")
	}
	b := &Backend{
		store:          store,
		queue:          make(chan submission, max(cfg.QueueSize, 1)),
		flushInterval:  cfg.FlushInterval,
		flushBatchSize: max(cfg.FlushBatchSize, 1),
		retry:          cfg.Retry,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.baseLogger == nil {
		b.baseLogger = slog.Default()
	}
	if b.flushInterval <= 0 {
		b.flushInterval = time.Second
	}
	b.logger = b.baseLogger.With("component", "backend.Backend")

	evaluator, err := policy.NewCELEvaluator(b.baseLogger)
	if err != nil {
		return nil, err
	}
	b.evaluator = evaluator
	b.redactor = sanitize.NewRedactor(b.baseLogger)
	b.budget = policy.NewBudget(cfg.MaxPendingSessions, b.baseLogger)
	b.breaker = policy.NewBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.OpenDuration, b.clock, b.baseLogger)
	b.breaker.SetOnStateChange(b.onBreakerChange)
	b.registry = session.NewManager(b.baseLogger)

	if err := b.applyTunables(cfg); err != nil {
		return nil, err
	}
	b.metrics = newMetrics(b)
	return b, nil
}

// applyTunables sets the settings that may change at runtime.
func (b *Backend) applyTunables(cfg config.TracingConfig) error {
	var rule *policy.CompiledRule
	if cfg.WriteFilter != "" {
		compiled, err := b.evaluator.CompileExpression(cfg.WriteFilter)
		if err != nil {
			return fmt.Errorf("invalid write filter: %w", err)
		}
		rule = &compiled
	}

	b.filter.Store(rule)
	b.slowThreshold.Store(int64(cfg.SlowQuery.EffectiveThreshold()))
	b.maxEvents.Store(int64(cfg.MaxEventsPerSession))
	b.writeOnClose.Store(cfg.WriteOnClose)
	b.obfuscate.Store(cfg.ObfuscatePasswords)
	b.budget.SetLimit(cfg.MaxPendingSessions)
	b.breaker.Reconfigure(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.OpenDuration)

	b.mu.Lock()
	b.retry = cfg.Retry
	b.mu.Unlock()
	return nil
}

// Reconfigure applies a reloaded tracing config. The slow-query threshold,
// event cap, write-on-close flag, write filter, budget, retry and breaker
// settings take effect immediately; queue size and flush cadence need a
// restart. On error nothing is changed.
func (b *Backend) Reconfigure(cfg config.TracingConfig) error {
	if err := b.applyTunables(cfg); err != nil {
		return err
	}

	b.mu.RLock()
	interval, batch := b.flushInterval, b.flushBatchSize
	b.mu.RUnlock()
	if cfg.FlushInterval != interval || cfg.FlushBatchSize != batch || cfg.QueueSize != cap(b.queue) {
		b.logger.Info("queue and flush settings change on restart",
			"flush_interval", cfg.FlushInterval,
			"flush_batch_size", cfg.FlushBatchSize,
			"queue_size", cfg.QueueSize,
		)
	}
	b.logger.Info("tracing config applied",
		"slow_query_threshold", cfg.SlowQuery.EffectiveThreshold(),
		"write_on_close", cfg.WriteOnClose,
		"max_pending_sessions", cfg.MaxPendingSessions,
		"write_filter", cfg.WriteFilter,
	)
	return nil
}

// Start launches the writer goroutine. It stops when ctx is cancelled or
// Stop is called, flushing whatever is queued.
func (b *Backend) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("backend already started")
	}
	b.running.Store(true)
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx)

	b.logger.Info("trace backend started",
		"queue_size", cap(b.queue),
		"flush_interval", b.flushInterval,
		"flush_batch_size", b.flushBatchSize,
	)
	return nil
}

// Stop stops admitting records, waits for the writer to flush, and returns
// every error the final flush hit. ctx bounds the wait.
func (b *Backend) Stop(ctx context.Context) error {
	if !b.started.Load() {
		return nil
	}
	b.closeAdmission()
	b.cancel()

	var result *multierror.Error
	select {
	case <-b.done:
		result = multierror.Append(result, b.lastErr)
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for trace writer: %w", ctx.Err()))
		return result.ErrorOrNil()
	}

	// Submissions that raced with shutdown.
	for {
		select {
		case sub := <-b.queue:
			b.drop(sub.recs, dropStopped)
		default:
			b.logger.Info("trace backend stopped")
			return result.ErrorOrNil()
		}
	}
}

// NewSession creates a session bound to this backend and registers it as
// live until Close.
func (b *Backend) NewSession(role tracing.Role, opts ...tracing.Option) *tracing.Session {
	base := []tracing.Option{tracing.WithClock(b.clock), tracing.WithLogger(b.baseLogger)}
	s := tracing.NewSession(b, role, append(base, opts...)...)

	if err := b.registry.Register(session.Entry{
		ID:        s.ID(),
		TraceID:   s.TraceID(),
		Role:      role.String(),
		CreatedAt: b.clock.Now().UTC(),
	}); err != nil {
		b.logger.Warn("failed to register trace session", "session_id", s.ID(), "error", err)
	}
	return s
}

// --- tracing.Backend ---

// WriteSessionRecords queues recs for the writer. It never blocks: when the
// queue is full the records are dropped.
func (b *Backend) WriteSessionRecords(recs *tracing.Records, writeOnClose bool) {
	if recs == nil || !recs.HasPending() {
		return
	}

	b.admit.RLock()
	if !b.running.Load() {
		b.admit.RUnlock()
		b.drop(recs, dropStopped)
		return
	}
	var queued bool
	select {
	case b.queue <- submission{recs: recs, flush: writeOnClose}:
		queued = true
	default:
	}
	b.admit.RUnlock()

	if !queued {
		b.drop(recs, dropQueueFull)
		b.logger.Warn("trace write queue full, dropping records",
			"trace_id", recs.TraceID(),
			"source_id", recs.SourceID(),
		)
	}
}

// closeAdmission waits for in-flight submissions and stops admitting new
// ones.
func (b *Backend) closeAdmission() {
	b.admit.Lock()
	b.running.Store(false)
	b.admit.Unlock()
}

func (b *Backend) IncTraceErrors() {
	b.stats.traceErrors.Add(1)
	b.metrics.traceErrors.Inc()
}

// EndSession releases the session's registry entry.
func (b *Backend) EndSession(sessionID string) {
	if !b.registry.Release(sessionID) {
		b.logger.Debug("ended unregistered session", "session_id", sessionID)
	}
}

// ShouldWriteRecords reports whether the backend is running and not
// killed, the store's circuit breaker admits writes, and the budget is not
// exhausted.
func (b *Backend) ShouldWriteRecords() bool {
	if !b.running.Load() || b.killed() {
		return false
	}
	return b.breaker.Allow() && !b.budget.Exhausted()
}

func (b *Backend) killed() bool {
	return b.kill != nil && b.kill.GlobalTriggered()
}

func (b *Backend) WriteOnClose() bool { return b.writeOnClose.Load() }

func (b *Backend) Budget() tracing.Budget { return b.budget }

func (b *Backend) SlowQueryThreshold() time.Duration {
	return time.Duration(b.slowThreshold.Load())
}

func (b *Backend) MaxEventsPerSession() int { return int(b.maxEvents.Load()) }

// --- introspection ---

// Registry returns the live-session registry.
func (b *Backend) Registry() *session.Manager { return b.registry }

// Metrics returns the backend's prometheus collectors.
func (b *Backend) Metrics() *Metrics { return b.metrics }

// Stats is a point-in-time view of the backend.
type Stats struct {
	Running         bool   `json:"running"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	ActiveSessions  int    `json:"active_sessions"`
	BudgetPending   int64  `json:"budget_pending"`
	BudgetLimit     int64  `json:"budget_limit"`
	Breaker         string `json:"breaker"`
	Killed          bool   `json:"killed"`
	TraceErrors     uint64 `json:"trace_errors"`
	SessionsWritten uint64 `json:"sessions_written"`
	EventsWritten   uint64 `json:"events_written"`
	Filtered        uint64 `json:"filtered"`
	Dropped         uint64 `json:"dropped"`
	WriteErrors     uint64 `json:"write_errors"`
}

func (b *Backend) Stats() Stats {
	return Stats{
		Running:         b.running.Load(),
		QueueDepth:      len(b.queue),
		QueueCapacity:   cap(b.queue),
		ActiveSessions:  b.registry.ActiveCount(),
		BudgetPending:   b.budget.Pending(),
		BudgetLimit:     b.budget.Limit(),
		Breaker:         b.breaker.State().String(),
		Killed:          b.killed(),
		TraceErrors:     b.stats.traceErrors.Load(),
		SessionsWritten: b.stats.sessionsWritten.Load(),
		EventsWritten:   b.stats.eventsWritten.Load(),
		Filtered:        b.stats.filtered.Load(),
		Dropped:         b.stats.dropped.Load(),
		WriteErrors:     b.stats.writeErrors.Load(),
	}
}

func (b *Backend) drop(recs *tracing.Records, reason string) {
	recs.DropRecords()
	b.stats.dropped.Add(1)
	b.metrics.dropped.WithLabelValues(reason).Inc()

	if b.alerts != nil && reason != dropStopped && reason != dropKilled {
		b.alerts.Send(alert.Alert{
			Type:     alert.TypeRecordsDropped,
			Severity: "warning",
			Title:    "Trace records dropped",
			Message:  fmt.Sprintf("trace records were dropped (%s)", reason),
			Details: map[string]interface{}{
				"reason":   reason,
				"trace_id": recs.TraceID(),
			},
		})
	}
}

// onBreakerChange runs with the breaker's lock held.
func (b *Backend) onBreakerChange(from, to policy.BreakerState) {
	if b.alerts == nil {
		return
	}
	switch to {
	case policy.BreakerOpen:
		b.alerts.Send(alert.Alert{
			Type:     alert.TypeBreakerOpen,
			Severity: "critical",
			Title:    "Trace store circuit breaker open",
			Message:  "trace writes are suspended after repeated store failures",
			Details:  map[string]interface{}{"from": from.String()},
		})
	case policy.BreakerClosed:
		b.alerts.Send(alert.Alert{
			Type:     alert.TypeBreakerClosed,
			Severity: "info",
			Title:    "Trace store circuit breaker closed",
			Message:  "trace writes resumed",
		})
	}
}
