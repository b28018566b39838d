package tracing

import "time"

// Budget is the process-wide cap on tracing overhead. Implementations must
// be safe for concurrent use by many sessions.
type Budget interface {
	// Consume charges one unit. A session charges at most once.
	Consume()
	// Release returns a unit charged by Consume.
	Release()
	// Exhausted reports whether no more work should be admitted.
	Exhausted() bool
}

// Backend is the write-back path a session hands its records to. It is
// shared by every session in the process and outlives all of them;
// sessions only borrow it.
type Backend interface {
	// WriteSessionRecords submits recs for asynchronous persistence. It must
	// not block on I/O and must tolerate repeated submissions of the same
	// records.
	WriteSessionRecords(recs *Records, writeOnClose bool)

	// IncTraceErrors bumps the trace construction error counter.
	IncTraceErrors()

	// EndSession releases whatever the backend holds for the session. It
	// is called exactly once per session.
	EndSession(sessionID string)

	// ShouldWriteRecords is the write-eligibility gate.
	ShouldWriteRecords() bool

	// WriteOnClose reports whether teardown writes are flushed immediately.
	WriteOnClose() bool

	Budget() Budget
	SlowQueryThreshold() time.Duration
	MaxEventsPerSession() int
}
