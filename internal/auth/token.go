// Package auth guards the management API with bearer tokens. Tokens carry
// a role; each route names the action it performs and the role decides
// whether that action is allowed.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Role defines the access level for API tokens.
type Role string

const (
	RoleReader   Role = "reader"   // can read sessions, stats and metrics
	RoleOperator Role = "operator" // can also reload config
	RoleAdmin    Role = "admin"    // full access including token creation
)

// Actions checked by the API.
const (
	ActionSessionRead  = "session.read"
	ActionMetricsRead  = "metrics.read"
	ActionConfigChange = "config.change"
	ActionTokenCreate  = "token.create"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleReader, RoleOperator, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Token represents an API token with metadata. A zero ExpiresAt never
// expires. Secret is only filled in on the value returned at creation;
// the manager keeps a digest.
type Token struct {
	ID        string    `json:"id"`
	Secret    string    `json:"-"`
	Role      Role      `json:"role"`
	SourceIP  string    `json:"source_ip,omitempty"` // IP binding (optional)
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (t Token) expiredAt(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenManager handles API token creation and validation.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]Token // sha256(secret) → token
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// NewTokenManager creates a new token manager. clk may be nil.
func NewTokenManager(ttl time.Duration, clk clock.Clock, logger *slog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		tokens: make(map[string]Token),
		ttl:    ttl,
		clock:  clk,
		logger: logger.With("component", "auth.TokenManager"),
	}
}

// AddStaticToken registers a non-expiring token with a caller-chosen
// secret, such as the admin token from the config file.
func (m *TokenManager) AddStaticToken(secret string, role Role) (Token, error) {
	if secret == "" {
		return Token{}, fmt.Errorf("static token secret is empty")
	}
	id, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token ID: %w", err)
	}
	token := Token{
		ID:        id[:16],
		Secret:    secret,
		Role:      role,
		CreatedAt: m.clock.Now(),
	}

	m.store(token)
	return token, nil
}

// CreateToken generates a new API token that expires after the TTL.
func (m *TokenManager) CreateToken(role Role, sourceIP string) (Token, error) {
	secret, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}
	id, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := m.clock.Now()
	token := Token{
		ID:        id[:16],
		Secret:    secret,
		Role:      role,
		SourceIP:  sourceIP,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.store(token)

	m.logger.Info("token created",
		"token_id", token.ID,
		"role", role,
		"expires_at", token.ExpiresAt,
	)
	return token, nil
}

// ValidateToken checks if a token secret is valid and returns the token.
func (m *TokenManager) ValidateToken(secret, sourceIP string) (Token, error) {
	key := digest(secret)
	m.mu.RLock()
	token, ok := m.tokens[key]
	m.mu.RUnlock()

	if !ok {
		return Token{}, fmt.Errorf("invalid token")
	}

	if token.expiredAt(m.clock.Now()) {
		m.mu.Lock()
		delete(m.tokens, key)
		m.mu.Unlock()
		return Token{}, fmt.Errorf("token expired")
	}

	if token.SourceIP != "" && token.SourceIP != sourceIP {
		m.logger.Warn("token used from wrong IP",
			"token_id", token.ID,
			"expected_ip", token.SourceIP,
			"actual_ip", sourceIP,
		)
		return Token{}, fmt.Errorf("token not valid from this IP")
	}

	return token, nil
}

// RevokeToken removes a token.
func (m *TokenManager) RevokeToken(secret string) {
	key := digest(secret)
	m.mu.Lock()
	if token, ok := m.tokens[key]; ok {
		m.logger.Info("token revoked", "token_id", token.ID)
		delete(m.tokens, key)
	}
	m.mu.Unlock()
}

// CleanExpired removes all expired tokens.
func (m *TokenManager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	count := 0
	for key, token := range m.tokens {
		if token.expiredAt(now) {
			delete(m.tokens, key)
			count++
		}
	}
	return count
}

// ActiveTokenCount returns the number of unexpired tokens.
func (m *TokenManager) ActiveTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	count := 0
	for _, token := range m.tokens {
		if !token.expiredAt(now) {
			count++
		}
	}
	return count
}

// HasPermission checks if a role has permission for an action.
func HasPermission(role Role, action string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action != ActionTokenCreate
	case RoleReader:
		return action == ActionSessionRead || action == ActionMetricsRead
	default:
		return false
	}
}

func (m *TokenManager) store(t Token) {
	kept := t
	kept.Secret = ""
	m.mu.Lock()
	m.tokens[digest(t.Secret)] = kept
	m.mu.Unlock()
}

func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
