package trace

import (
	"time"
)

// Session is the persisted summary row of a traced query. Only coordinator
// (primary) sessions produce one.
type Session struct {
	ID             string            `json:"id" db:"id"`
	Coordinator    string            `json:"coordinator" db:"coordinator"`
	Client         string            `json:"client,omitempty" db:"client"`
	Request        string            `json:"request,omitempty" db:"request"`
	StartedAt      time.Time         `json:"started_at" db:"started_at"`
	DurationMicros int64             `json:"duration_us" db:"duration_us"`
	Parameters     map[string]string `json:"parameters,omitempty" db:"parameters"`
	SlowQuery      bool              `json:"slow_query" db:"slow_query"`
}

// Event is one persisted raw trace point. Events of one source session form
// a hash chain so readers can tell whether a source's output is complete.
type Event struct {
	ID            string    `json:"id" db:"id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	SourceID      string    `json:"source_id" db:"source_id"`
	Role          string    `json:"role" db:"role"`
	Source        string    `json:"source" db:"source"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	ElapsedMicros int64     `json:"elapsed_us" db:"elapsed_us"`
	Activity      string    `json:"activity" db:"activity"`
	PrevHash      string    `json:"prev_hash" db:"prev_hash"`
	Hash          string    `json:"hash" db:"hash"`
}

// SessionFilter defines query parameters for listing sessions.
type SessionFilter struct {
	SlowOnly bool
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// EventFilter defines query parameters for listing events.
type EventFilter struct {
	SessionID string
	SourceID  string
	Limit     int
	Offset    int
}

// SystemStats holds aggregate storage metrics.
type SystemStats struct {
	TotalSessions     int64   `json:"total_sessions"`
	SlowSessions      int64   `json:"slow_sessions"`
	TotalEvents       int64   `json:"total_events"`
	AvgDurationMicros float64 `json:"avg_duration_us"`
}
