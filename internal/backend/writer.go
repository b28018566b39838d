package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/querytrace/querytrace/internal/policy"
	"github.com/querytrace/querytrace/internal/trace"
	"github.com/querytrace/querytrace/internal/tracing"
)

var errBreakerOpen = errors.New("trace store circuit breaker is open")

// run is the writer goroutine.
func (b *Backend) run(ctx context.Context) {
	defer close(b.done)

	b.mu.RLock()
	interval, batchSize := b.flushInterval, b.flushBatchSize
	b.mu.RUnlock()

	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()

	pending := make([]*tracing.Records, 0, batchSize)
	flush := func(ctx context.Context) error {
		err := b.flush(ctx, pending)
		clear(pending)
		pending = pending[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			b.closeAdmission()
			for {
				select {
				case sub := <-b.queue:
					pending = append(pending, sub.recs)
					continue
				default:
				}
				break
			}
			// The run context is gone; retries are bounded by max_elapsed.
			b.lastErr = flush(context.Background())
			return

		case sub := <-b.queue:
			pending = append(pending, sub.recs)
			if sub.flush || len(pending) >= batchSize {
				_ = flush(ctx)
			}

		case <-ticker.C:
			if len(pending) > 0 {
				_ = flush(ctx)
			}
		}
	}
}

// flush persists each distinct Records in submission order.
func (b *Backend) flush(ctx context.Context, pending []*tracing.Records) error {
	var result *multierror.Error
	seen := make(map[*tracing.Records]struct{}, len(pending))
	for _, recs := range pending {
		if _, ok := seen[recs]; ok {
			continue
		}
		seen[recs] = struct{}{}
		if err := b.persist(ctx, recs); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// persist writes whatever recs has pending. A failed write drops the
// session's remaining records.
func (b *Backend) persist(ctx context.Context, recs *tracing.Records) error {
	batch := recs.Drain()
	if batch.Empty() {
		return nil
	}

	if b.kill != nil {
		if blocked, why := b.kill.IsBlocked(batch.TraceID); blocked {
			b.drop(recs, dropKilled)
			b.logger.Debug("trace records discarded", "trace_id", batch.TraceID, "source_id", batch.SourceID, "reason", why)
			return nil
		}
	}

	if batch.Session != nil && b.obfuscate.Load() {
		if n := b.redactor.RedactParameters(batch.Session.Parameters); n > 0 {
			b.logger.Debug("masked credentials in traced query", "session_id", batch.TraceID, "queries", n)
		}
	}

	if batch.Session != nil && !b.keep(batch) {
		recs.DropRecords()
		b.stats.filtered.Add(1)
		b.metrics.filtered.Inc()
		b.logger.Debug("session skipped by write filter", "session_id", batch.TraceID)
		return nil
	}

	sess, events := b.rows(batch, recs.ChainHead())

	start := b.clock.Now()
	if err := b.writeWithRetry(ctx, sess, events); err != nil {
		b.drop(recs, dropWriteError)
		b.logger.Error("failed to write trace records",
			"trace_id", batch.TraceID,
			"source_id", batch.SourceID,
			"events", len(events),
			"error", err,
		)
		return fmt.Errorf("writing records of %s/%s: %w", batch.TraceID, batch.SourceID, err)
	}
	b.metrics.writeLatency.Observe(b.clock.Since(start).Seconds())

	if n := len(events); n > 0 {
		recs.SetChainHead(events[n-1].Hash)
		b.stats.eventsWritten.Add(uint64(n))
		b.metrics.eventsWritten.Add(float64(n))
	}
	if sess != nil {
		recs.ReleaseBudget()
		b.stats.sessionsWritten.Add(1)
		b.metrics.sessionsWritten.Inc()
		if sess.SlowQuery {
			b.metrics.slowQueries.Inc()
			b.logger.Warn("slow query",
				"session_id", sess.ID,
				"elapsed", time.Duration(sess.DurationMicros)*time.Microsecond,
				"request", sess.Request,
				"client", sess.Client,
				"parameters", sess.Parameters,
			)
		}
	}

	if b.onPersist != nil {
		b.onPersist(sess, events)
	}
	return nil
}

// keep evaluates the write filter against a primary batch. Evaluation
// errors keep the session.
func (b *Backend) keep(batch tracing.Batch) bool {
	rule := b.filter.Load()
	if rule == nil {
		return true
	}

	rec := batch.Session
	in := policy.SessionInput{
		ID:         batch.TraceID,
		Request:    rec.Request,
		Role:       batch.Role.String(),
		ElapsedMs:  rec.Elapsed.Milliseconds(),
		Slow:       rec.SlowQuery,
		Parameters: rec.Parameters,
		Events:     len(batch.Events),
	}
	if rec.Client.IsValid() {
		in.Client = rec.Client.String()
	}

	ok, err := b.evaluator.Evaluate(*rule, in)
	if err != nil {
		b.logger.Warn("write filter evaluation failed, keeping session",
			"session_id", batch.TraceID,
			"error", err,
		)
		return true
	}
	return ok
}

// rows converts a drained batch into store rows, chaining the events from
// head (or the source seed when nothing was written yet).
func (b *Backend) rows(batch tracing.Batch, head string) (*trace.Session, []*trace.Event) {
	var sess *trace.Session
	if rec := batch.Session; rec != nil {
		sess = &trace.Session{
			ID:             batch.TraceID,
			Coordinator:    b.coordinator,
			Request:        rec.Request,
			StartedAt:      rec.StartedAt.UTC(),
			DurationMicros: rec.Elapsed.Microseconds(),
			Parameters:     rec.Parameters,
			SlowQuery:      rec.SlowQuery,
		}
		if rec.Client.IsValid() {
			sess.Client = rec.Client.String()
		}
	}

	prev := head
	if prev == "" {
		prev = trace.ComputeSourceSeed(batch.TraceID, batch.SourceID)
	}
	events := make([]*trace.Event, 0, len(batch.Events))
	for _, ev := range batch.Events {
		e := &trace.Event{
			ID:            ev.ID,
			SessionID:     batch.TraceID,
			SourceID:      batch.SourceID,
			Role:          batch.Role.String(),
			Source:        b.coordinator,
			Timestamp:     ev.Timestamp.UTC(),
			ElapsedMicros: ev.Elapsed.Microseconds(),
			Activity:      ev.Message,
			PrevHash:      prev,
		}
		e.Hash = trace.ComputeHash(e)
		prev = e.Hash
		events = append(events, e)
	}
	return sess, events
}

// writeWithRetry writes one session's rows through the circuit breaker,
// retrying with exponential backoff until retry.max_elapsed.
func (b *Backend) writeWithRetry(ctx context.Context, sess *trace.Session, events []*trace.Event) error {
	b.mu.RLock()
	retry := b.retry
	b.mu.RUnlock()

	op := func() error {
		if !b.breaker.Allow() {
			return backoff.Permanent(errBreakerOpen)
		}
		if err := b.store.WriteSession(sess, events); err != nil {
			b.breaker.Failure()
			b.stats.writeErrors.Add(1)
			b.metrics.writeErrors.Inc()
			return err
		}
		b.breaker.Success()
		return nil
	}

	if retry.MaxElapsed <= 0 {
		return op()
	}

	bo := backoff.NewExponentialBackOff()
	if retry.InitialInterval > 0 {
		bo.InitialInterval = retry.InitialInterval
	}
	bo.MaxElapsedTime = retry.MaxElapsed

	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		b.logger.Warn("trace store write failed, retrying", "error", err, "retry_in", next)
	})
}
