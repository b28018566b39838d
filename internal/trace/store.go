package trace

import "time"

// Store defines the interface for trace persistence backends.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// WriteSession persists a session row (may be nil) together with its
	// events atomically: either everything is written or nothing is.
	WriteSession(s *Session, events []*Event) error

	// Sessions
	GetSession(id string) (*Session, error)
	ListSessions(filter SessionFilter) ([]*Session, int, error)

	// Events
	ListEvents(filter EventFilter) ([]*Event, error)

	// Maintenance
	PruneOlderThan(age time.Duration) (int64, error)
	VerifyHashChain(sessionID string) (bool, int, error)

	// Metrics
	GetSystemStats() (*SystemStats, error)
}
