// Package killswitch stops trace write-back on operator request. A global
// trigger makes the backend refuse new records and discard queued ones; a
// trace trigger discards only the rows of one coordinator session. Either
// can be thrown from the API, the CLI, or a sentinel file on disk.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scope determines what the kill switch affects.
type Scope string

const (
	ScopeGlobal Scope = "global" // all trace write-back
	ScopeTrace  Scope = "trace"  // one trace id
)

// ParseScope validates a scope name. The empty string means global.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeTrace:
		return ScopeTrace, nil
	default:
		return "", fmt.Errorf("unknown kill switch scope %q", s)
	}
}

// Sources of a trigger.
const (
	SourceAPI  = "api"
	SourceFile = "file"
)

const maxHistory = 256

// TriggerRecord logs who or what triggered the kill switch and when.
type TriggerRecord struct {
	Scope     Scope     `json:"scope"`
	TraceID   string    `json:"trace_id,omitempty"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is a snapshot of the switch.
type Status struct {
	Global       *TriggerRecord           `json:"global,omitempty"`
	Traces       map[string]TriggerRecord `json:"traces"`
	HistoryCount int                      `json:"history_count"`
}

// KillSwitch is safe for concurrent use.
type KillSwitch struct {
	mu     sync.RWMutex
	global *TriggerRecord
	traces map[string]TriggerRecord

	// history keeps the most recent triggers for audit.
	history []TriggerRecord

	// sentinelPath is checked for a file that forces a global trigger.
	sentinelPath string

	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a KillSwitch.
type Option func(*KillSwitch)

// WithSentinel makes the presence of a file at path trigger the global
// switch, and its removal reset it.
func WithSentinel(path string) Option {
	return func(ks *KillSwitch) { ks.sentinelPath = path }
}

// WithClock sets the clock used for trigger timestamps and Watch.
func WithClock(c clock.Clock) Option {
	return func(ks *KillSwitch) { ks.clock = c }
}

// New creates an armed KillSwitch.
func New(logger *slog.Logger, opts ...Option) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	ks := &KillSwitch{
		traces: make(map[string]TriggerRecord),
		clock:  clock.New(),
		logger: logger.With("component", "killswitch.KillSwitch"),
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// GlobalTriggered reports whether all write-back is stopped. It is on the
// hot path of every finalizing session.
func (ks *KillSwitch) GlobalTriggered() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.global != nil
}

// IsBlocked reports whether rows of traceID must be discarded, and why.
func (ks *KillSwitch) IsBlocked(traceID string) (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.global != nil {
		return true, "global kill switch activated"
	}
	if record, ok := ks.traces[traceID]; ok {
		return true, fmt.Sprintf("trace kill switch activated: %s", record.Reason)
	}
	return false, ""
}

// TriggerGlobal stops all trace write-back.
func (ks *KillSwitch) TriggerGlobal(reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	record := TriggerRecord{
		Scope:     ScopeGlobal,
		Reason:    reason,
		Source:    source,
		Timestamp: ks.clock.Now().UTC(),
	}
	ks.global = &record
	ks.record(record)

	ks.logger.Warn("global kill switch triggered",
		"reason", reason,
		"source", source,
	)
}

// TriggerTrace discards the rows of one trace.
func (ks *KillSwitch) TriggerTrace(traceID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	record := TriggerRecord{
		Scope:     ScopeTrace,
		TraceID:   traceID,
		Reason:    reason,
		Source:    source,
		Timestamp: ks.clock.Now().UTC(),
	}
	ks.traces[traceID] = record
	ks.record(record)

	ks.logger.Warn("trace kill switch triggered",
		"trace_id", traceID,
		"reason", reason,
		"source", source,
	)
}

// ResetGlobal re-arms the global switch.
func (ks *KillSwitch) ResetGlobal() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.global = nil
	ks.logger.Info("global kill switch reset")
}

// ResetTrace re-arms the switch for one trace.
func (ks *KillSwitch) ResetTrace(traceID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.traces, traceID)
	ks.logger.Info("trace kill switch reset", "trace_id", traceID)
}

// Status returns the current state of all switches.
func (ks *KillSwitch) Status() Status {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	st := Status{
		Traces:       make(map[string]TriggerRecord, len(ks.traces)),
		HistoryCount: len(ks.history),
	}
	if ks.global != nil {
		g := *ks.global
		st.Global = &g
	}
	for k, v := range ks.traces {
		st.Traces[k] = v
	}
	return st
}

// History returns the recorded triggers, oldest first.
func (ks *KillSwitch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// CheckSentinel triggers the global switch when the sentinel file exists
// and resets a file-triggered switch once the file is gone.
func (ks *KillSwitch) CheckSentinel() {
	if ks.sentinelPath == "" {
		return
	}
	_, err := os.Stat(ks.sentinelPath)
	present := err == nil

	ks.mu.RLock()
	global := ks.global
	ks.mu.RUnlock()

	switch {
	case present && global == nil:
		ks.TriggerGlobal("sentinel file "+ks.sentinelPath+" present", SourceFile)
	case !present && global != nil && global.Source == SourceFile:
		ks.ResetGlobal()
	}
}

// Watch calls CheckSentinel every interval until ctx is done.
func (ks *KillSwitch) Watch(ctx context.Context, interval time.Duration) {
	if ks.sentinelPath == "" {
		return
	}
	ks.CheckSentinel()
	ticker := ks.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ks.CheckSentinel()
		}
	}
}

// record must be called with mu held.
func (ks *KillSwitch) record(r TriggerRecord) {
	ks.history = append(ks.history, r)
	if n := len(ks.history); n > maxHistory {
		ks.history = append(ks.history[:0:0], ks.history[n-maxHistory:]...)
	}
}
