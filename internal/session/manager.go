// Package session keeps the registry of live tracing sessions: sessions
// that have been created and not yet closed.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry describes one live tracing session. Entries are immutable once
// registered; the session itself is owned by its query goroutine.
type Entry struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	Role      string    `json:"role"`
	Request   string    `json:"request,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager tracks live sessions with thread-safe in-memory state. The
// write-back backend registers a session when it is created and releases
// it when the session ends.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Entry
	released uint64
	logger   *slog.Logger
}

// NewManager creates an empty registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]Entry),
		logger:   logger.With("component", "session.Manager"),
	}
}

// Register adds a live session. Registering an id twice is an error.
func (m *Manager) Register(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[e.ID]; ok {
		return fmt.Errorf("session %s already registered", e.ID)
	}
	m.sessions[e.ID] = e

	m.logger.Debug("registered session", "session_id", e.ID, "trace_id", e.TraceID, "role", e.Role)
	return nil
}

// Release removes a session and reports whether it was registered.
func (m *Manager) Release(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	m.released++

	m.logger.Debug("released session", "session_id", id)
	return true
}

// Get returns the entry for id.
func (m *Manager) Get(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

// List returns all live sessions, oldest first.
func (m *Manager) List() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListTrace returns the live sessions contributing to traceID.
func (m *Manager) ListTrace(traceID string) []Entry {
	var out []Entry
	for _, e := range m.List() {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ReleasedCount returns how many sessions have been released since start.
func (m *Manager) ReleasedCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.released
}
