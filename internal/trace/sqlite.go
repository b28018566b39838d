package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed trace store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		coordinator     TEXT NOT NULL,
		client          TEXT,
		request         TEXT,
		started_at      DATETIME NOT NULL,
		duration_us     INTEGER NOT NULL DEFAULT 0,
		parameters      TEXT,
		slow_query      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS events (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		session_id      TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		role            TEXT NOT NULL,
		source          TEXT,
		timestamp       DATETIME NOT NULL,
		elapsed_us      INTEGER NOT NULL DEFAULT 0,
		activity        TEXT,
		prev_hash       TEXT NOT NULL,
		hash            TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_slow ON sessions(slow_query);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Writes ---

func (s *SQLiteStore) WriteSession(sess *Session, events []*Event) error {
	if sess == nil && len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if sess != nil {
		params, err := marshalParams(sess.Parameters)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO sessions (id, coordinator, client, request, started_at, duration_us, parameters, slow_query)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				duration_us = excluded.duration_us,
				parameters = excluded.parameters,
				slow_query = excluded.slow_query`,
			sess.ID, sess.Coordinator, nullStr(sess.Client), nullStr(sess.Request),
			sess.StartedAt, sess.DurationMicros, params, sess.SlowQuery,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
		}
	}

	if len(events) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO events (id, session_id, source_id, role, source, timestamp, elapsed_us, activity, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			if _, err := stmt.Exec(e.ID, e.SessionID, e.SourceID, e.Role, nullStr(e.Source),
				e.Timestamp, e.ElapsedMicros, e.Activity, e.PrevHash, e.Hash); err != nil {
				return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
			}
		}
	}

	return tx.Commit()
}

// --- Sessions ---

func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	sess := &Session{}
	var client, request, params sql.NullString

	err := s.db.QueryRow(`SELECT id, coordinator, client, request, started_at, duration_us, parameters, slow_query
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Coordinator, &client, &request, &sess.StartedAt,
		&sess.DurationMicros, &params, &sess.SlowQuery,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Client = client.String
	sess.Request = request.String
	if sess.Parameters, err = unmarshalParams(params); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(filter SessionFilter) ([]*Session, int, error) {
	where, args := buildSessionWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	// Count
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Rows
	query := "SELECT id, coordinator, client, request, started_at, duration_us, parameters, slow_query FROM sessions" + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		var client, request, params sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Coordinator, &client, &request, &sess.StartedAt,
			&sess.DurationMicros, &params, &sess.SlowQuery); err != nil {
			return nil, 0, err
		}
		sess.Client = client.String
		sess.Request = request.String
		if sess.Parameters, err = unmarshalParams(params); err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, count, rows.Err()
}

// --- Events ---

func (s *SQLiteStore) ListEvents(filter EventFilter) ([]*Event, error) {
	var conditions []string
	var args []interface{}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.SourceID != "" {
		conditions = append(conditions, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	// A negative limit means no limit.
	limit := filter.Limit
	if limit == 0 {
		limit = 1000
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(`SELECT id, session_id, source_id, role, source, timestamp, elapsed_us, activity, prev_hash, hash
		FROM events`+where+` ORDER BY seq ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var source, activity sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SourceID, &e.Role, &source, &e.Timestamp,
			&e.ElapsedMicros, &activity, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Source = source.String
		e.Activity = activity.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Maintenance ---

// PruneOlderThan deletes sessions started, and events recorded, more than
// age ago.
func (s *SQLiteStore) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM events WHERE timestamp < ?", cutoff); err != nil {
		return 0, err
	}
	result, err := tx.Exec("DELETE FROM sessions WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *SQLiteStore) VerifyHashChain(sessionID string) (bool, int, error) {
	events, err := s.ListEvents(EventFilter{SessionID: sessionID, Limit: -1})
	if err != nil {
		return false, 0, err
	}
	valid, brokenAt := VerifyChain(events)
	return valid, brokenAt, nil
}

// --- System Stats ---

func (s *SQLiteStore) GetSystemStats() (*SystemStats, error) {
	stats := &SystemStats{}
	s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&stats.TotalSessions)
	s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE slow_query = 1").Scan(&stats.SlowSessions)
	s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&stats.TotalEvents)
	s.db.QueryRow("SELECT COALESCE(AVG(duration_us), 0) FROM sessions").Scan(&stats.AvgDurationMicros)
	return stats, nil
}

// --- Helpers ---

func buildSessionWhere(f SessionFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.SlowOnly {
		conditions = append(conditions, "slow_query = 1")
	}
	if f.Since != nil {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		conditions = append(conditions, "started_at <= ?")
		args = append(args, *f.Until)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalParams(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalParams(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}
	return m, nil
}
