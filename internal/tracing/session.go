// Package tracing implements the per-query trace session: parameter
// capture, record aggregation, and the finalization logic that decides
// whether a session's trace output is handed to the write-back backend or
// discarded.
package tracing

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"
)

// Session traces one query (primary) or one replica's part of it
// (secondary). A Session is owned by the goroutine executing the query and
// must not be used concurrently. Close must be called when the query's
// execution context ends.
type Session struct {
	id       string
	parentID string
	role     Role
	state    State

	records *Records
	params  *paramValues
	backend Backend

	clock  clock.Clock
	start  time.Time
	closed bool
	logger *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithParent makes a secondary session contribute to the coordinator
// session parentID. Ignored for primary sessions.
func WithParent(parentID string) Option {
	return func(s *Session) { s.parentID = parentID }
}

// WithClock sets the time source used for elapsed-time measurements.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// NewSession creates an inactive session bound to backend.
func NewSession(backend Backend, role Role, opts ...Option) *Session {
	s := &Session{
		role:    role,
		state:   StateInactive,
		backend: backend,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = ulid.Make().String()
	}
	if role.IsPrimary() || s.parentID == "" {
		s.parentID = s.id
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "tracing.Session")
	s.records = newRecords(s.parentID, s.id, role, backend)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// TraceID returns the id of the coordinator session this session
// contributes to. For a primary session it is its own id.
func (s *Session) TraceID() string { return s.parentID }

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Records returns the session's record aggregator.
func (s *Session) Records() *Records { return s.records }

// Begin starts capture. It only has an effect on an inactive session.
func (s *Session) Begin(request string, client netip.Addr) {
	if s.state != StateInactive {
		return
	}
	s.start = s.clock.Now()
	s.records.begin(request, client, s.start)
	s.state = StateForeground
	s.logger.Debug("session started", "session_id", s.id, "role", s.role.String(), "trace_id", s.parentID)
}

// Elapsed returns the time since Begin, or zero for an inactive session.
func (s *Session) Elapsed() time.Duration {
	if s.start.IsZero() {
		return 0
	}
	return s.clock.Since(s.start)
}

// Trace records a raw trace event while the session is capturing.
func (s *Session) Trace(format string, args ...any) {
	if s.state != StateForeground {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	s.records.AddEvent(msg, s.clock.Now(), s.Elapsed())
}

// paramValues returns the parameter store, allocating it on first use.
func (s *Session) paramValues() *paramValues {
	if s.params == nil {
		s.params = &paramValues{}
	}
	return s.params
}

// SetBatchlogEndpoints records the batchlog replicas of a batch write.
func (s *Session) SetBatchlogEndpoints(eps []netip.Addr) {
	s.paramValues().batchlogEndpoints.set(dedupEndpoints(eps))
}

// SetConsistencyLevel records the query's consistency level.
func (s *Session) SetConsistencyLevel(cl ConsistencyLevel) {
	s.paramValues().cl.set(cl)
}

// SetOptionalSerialConsistencyLevel records the serial consistency level.
// A nil level is ignored.
func (s *Session) SetOptionalSerialConsistencyLevel(cl *ConsistencyLevel) {
	if cl == nil {
		return
	}
	s.paramValues().serialCL.set(*cl)
}

// SetPageSize records the page size. Non-positive values are ignored.
func (s *Session) SetPageSize(n int32) {
	if n <= 0 {
		return
	}
	s.paramValues().pageSize.set(n)
}

// AddQuery appends a query text. Batches call it once per statement.
func (s *Session) AddQuery(text string) {
	pv := s.paramValues()
	pv.queries = append(pv.queries, text)
}

// SetUserTimestamp records the client-supplied write timestamp.
func (s *Session) SetUserTimestamp(ts int64) {
	s.paramValues().userTimestamp.set(ts)
}

// buildParametersMap materializes the captured parameters into the session
// record. The record is only touched when the whole map was built.
func (s *Session) buildParametersMap() (err error) {
	if s.params == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("building parameters map: %v", r)
		}
	}()
	m, err := s.params.build()
	if err != nil {
		return fmt.Errorf("building parameters map: %w", err)
	}
	s.records.setParameters(m)
	return nil
}

// StopForegroundAndWrite ends capture and decides whether the session's
// records are submitted to the backend or dropped. It never panics and
// never blocks on I/O, so it is safe to call from Close.
func (s *Session) StopForegroundAndWrite() {
	defer func() {
		if r := recover(); r != nil {
			s.backend.IncTraceErrors()
			s.records.DropRecords()
			s.logger.Error("finalizing trace session failed", "session_id", s.id, "panic", r)
		}
	}()

	if s.state == StateInactive {
		return
	}

	if s.state == StateForeground {
		e := s.Elapsed()
		s.records.setLogSlowQuery(s.records.ShouldLogSlowQuery(e))

		if s.role.IsPrimary() {
			// The session record is charged even though it does not count
			// against the per-session event cap: sessions that open and do
			// nothing else still produce a row each.
			s.records.ConsumeFromBudget()
			s.records.setElapsed(e)

			// A partially built map would persist incomplete data, so a
			// failure drops everything this session produced.
			if s.backend.ShouldWriteRecords() {
				if err := s.buildParametersMap(); err != nil {
					s.backend.IncTraceErrors()
					s.records.DropRecords()
					s.logger.Warn("dropping trace session records", "session_id", s.id, "error", err)
				}
			}
		}

		s.records.markFinalized()
		s.state = StateBackground
	}

	s.logger.Debug("current records count", "session_id", s.id, "records", s.records.Size())

	if s.backend.ShouldWriteRecords() {
		s.backend.WriteSessionRecords(s.records, s.backend.WriteOnClose())
	} else {
		s.records.DropRecords()
	}
}

// Close ends the session. It finalizes the session if the caller has not
// already done so and releases the backend's per-session resources. Calls
// after the first are no-ops.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if !s.role.IsPrimary() && s.state == StateForeground {
		s.logger.Error("secondary session closed while still in foreground", "session_id", s.id, "trace_id", s.parentID)
	}

	s.StopForegroundAndWrite()
	s.backend.EndSession(s.id)

	s.logger.Debug("session closed", "session_id", s.id)
}
