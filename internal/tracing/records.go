package tracing

import (
	"net/netip"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionRecord is the summary row of a primary session.
type SessionRecord struct {
	SessionID  string
	Request    string
	Client     netip.Addr
	StartedAt  time.Time
	Elapsed    time.Duration
	Parameters map[string]string
	SlowQuery  bool
}

// Event is one raw trace point.
type Event struct {
	ID        string
	Message   string
	Timestamp time.Time
	// Elapsed is measured from the start of the owning session.
	Elapsed time.Duration
}

// Batch is what the backend receives from one Drain call.
type Batch struct {
	// TraceID is the coordinator session the rows belong to.
	TraceID string
	// SourceID is the session that produced the rows.
	SourceID string
	Role     Role
	// Session is set at most once per primary session.
	Session *SessionRecord
	Events  []Event
}

// Empty reports whether the batch carries nothing to persist.
func (b Batch) Empty() bool {
	return b.Session == nil && len(b.Events) == 0
}

// Records aggregates the raw events and the summary record of one session.
// The owning session mutates it from its own goroutine; the backend drains
// it from the writer goroutine, hence the lock.
type Records struct {
	traceID  string
	sourceID string
	role     Role
	backend  Backend

	mu             sync.Mutex
	session        SessionRecord
	finalized      bool
	sessionHanded  bool
	events         []Event
	eventsAccepted int
	eventsRejected int
	doLogSlowQuery bool
	dropped        bool
	charged        bool
	released       bool
	chainHead      string
}

func newRecords(traceID, sourceID string, role Role, b Backend) *Records {
	return &Records{
		traceID:  traceID,
		sourceID: sourceID,
		role:     role,
		backend:  b,
		session:  SessionRecord{SessionID: traceID},
	}
}

// TraceID returns the id of the coordinator session the records belong to.
func (r *Records) TraceID() string { return r.traceID }

// SourceID returns the id of the session that owns the records.
func (r *Records) SourceID() string { return r.sourceID }

// Role returns the role of the owning session.
func (r *Records) Role() Role { return r.role }

// ConsumeFromBudget charges the global budget for this session. Only the
// first call has an effect.
func (r *Records) ConsumeFromBudget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.charged {
		return
	}
	r.charged = true
	r.backend.Budget().Consume()
}

// ReleaseBudget returns the unit charged by ConsumeFromBudget, once.
func (r *Records) ReleaseBudget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseBudgetLocked()
}

func (r *Records) releaseBudgetLocked() {
	if !r.charged || r.released {
		return
	}
	r.released = true
	r.backend.Budget().Release()
}

// Charged reports whether the budget has been charged for this session.
func (r *Records) Charged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.charged
}

// ShouldLogSlowQuery reports whether elapsed exceeds the configured
// slow-query threshold. A non-positive threshold disables slow-query logging.
func (r *Records) ShouldLogSlowQuery(elapsed time.Duration) bool {
	threshold := r.backend.SlowQueryThreshold()
	return threshold > 0 && elapsed > threshold
}

// DoLogSlowQuery returns the slow-query decision taken at finalization.
func (r *Records) DoLogSlowQuery() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doLogSlowQuery
}

// DropRecords discards the events and the summary. Nothing of this session
// reaches the backend afterwards.
func (r *Records) DropRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = true
	r.events = nil
	r.session = SessionRecord{SessionID: r.traceID}
	r.releaseBudgetLocked()
}

// Dropped reports whether DropRecords has been called.
func (r *Records) Dropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Size returns the number of events waiting to be written.
func (r *Records) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Rejected returns how many events were refused by the per-session cap or
// the global budget.
func (r *Records) Rejected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventsRejected
}

// AddEvent appends a raw trace point. It reports false when the event was
// refused. Events are never charged to the budget; an exhausted budget only
// stops new ones from being accepted.
func (r *Records) AddEvent(msg string, at time.Time, elapsed time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped {
		return false
	}
	if max := r.backend.MaxEventsPerSession(); max > 0 && r.eventsAccepted >= max {
		r.eventsRejected++
		return false
	}
	if r.backend.Budget().Exhausted() {
		r.eventsRejected++
		return false
	}
	r.eventsAccepted++
	r.events = append(r.events, Event{
		ID:        ulid.Make().String(),
		Message:   msg,
		Timestamp: at,
		Elapsed:   elapsed,
	})
	return true
}

// HasPending reports whether a Drain would return a non-empty batch.
func (r *Records) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dropped && (len(r.events) > 0 || r.sessionPendingLocked())
}

func (r *Records) sessionPendingLocked() bool {
	return r.role.IsPrimary() && r.finalized && !r.sessionHanded
}

// Drain hands the pending rows to the caller. Every row is returned by at
// most one Drain call.
func (r *Records) Drain() Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := Batch{TraceID: r.traceID, SourceID: r.sourceID, Role: r.role}
	if r.dropped {
		return b
	}
	if r.sessionPendingLocked() {
		rec := r.session
		rec.Parameters = make(map[string]string, len(r.session.Parameters))
		for k, v := range r.session.Parameters {
			rec.Parameters[k] = v
		}
		rec.SlowQuery = r.doLogSlowQuery
		b.Session = &rec
		r.sessionHanded = true
	}
	b.Events = r.events
	r.events = nil
	return b
}

// ChainHead returns the hash of the last event written for this source.
func (r *Records) ChainHead() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chainHead
}

// SetChainHead records the hash of the last event written for this source.
func (r *Records) SetChainHead(h string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chainHead = h
}

func (r *Records) begin(request string, client netip.Addr, start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Request = request
	r.session.Client = client
	r.session.StartedAt = start
}

func (r *Records) setLogSlowQuery(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doLogSlowQuery = v
}

func (r *Records) setElapsed(e time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Elapsed = e
}

func (r *Records) setParameters(m map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Parameters = m
}

func (r *Records) markFinalized() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
}

// Summary returns a copy of the current session record.
func (r *Records) Summary() SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.session
	rec.SlowQuery = r.doLogSlowQuery
	return rec
}
