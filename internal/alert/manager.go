package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/querytrace/querytrace/internal/config"
)

// Alert types raised by the trace backend.
const (
	TypeBreakerOpen    = "breaker_open"
	TypeBreakerClosed  = "breaker_closed"
	TypeRecordsDropped = "records_dropped"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"` // info, warning, critical
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Manager fans alerts out to its senders, suppressing repeats of the same
// alert within dedupTTL.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // key → last sent
	dedupTTL time.Duration
	clock    clock.Clock
	inflight sync.WaitGroup
	logger   *slog.Logger
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// NewManager creates a new alert manager with the configured senders.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		clock:    clock.New(),
		logger:   logger.With("component", "alert.Manager"),
	}

	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}

	return m
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders = append(m.senders, s)
}

// SetClock replaces the clock used for timestamps and deduplication.
func (m *Manager) SetClock(c clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
}

// Send dispatches an alert to all configured channels. An alert with the
// same type and ids as one sent within the dedup window is dropped. Send
// never blocks on delivery.
func (m *Manager) Send(alert Alert) {
	m.mu.Lock()
	now := m.clock.Now()
	alert.Timestamp = now

	key := dedupKey(alert)
	if last, ok := m.dedup[key]; ok && now.Sub(last) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed", "type", alert.Type, "key", key)
		return
	}
	m.dedup[key] = now
	senders := append([]Sender(nil), m.senders...)
	m.inflight.Add(len(senders))
	m.mu.Unlock()

	for _, s := range senders {
		go m.deliver(s, alert)
	}
}

func (m *Manager) deliver(s Sender, alert Alert) {
	defer m.inflight.Done()
	if err := s.Send(alert); err != nil {
		m.logger.Error("failed to send alert",
			"sender", s.Name(),
			"type", alert.Type,
			"trace_id", alert.TraceID,
			"error", err,
		)
	}
}

// Wait blocks until every alert handed to Send has been delivered or ctx
// is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dedupKey(a Alert) string {
	return a.Type + "|" + a.TraceID + "|" + a.SessionID
}

// PruneDedup forgets suppression entries older than twice the TTL.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
