package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/querytrace/querytrace/internal/policy"
)

// Config is the top-level querytrace configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Tracing TracingConfig `yaml:"tracing"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

type ServerConfig struct {
	Port     int        `yaml:"port"`
	LogLevel string     `yaml:"log_level"`
	CORS     bool       `yaml:"cors"`
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig enables bearer-token auth on the management API. The admin
// token is usually supplied as ${QUERYTRACE_ADMIN_TOKEN}.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	AdminToken string        `yaml:"admin_token"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	Driver    string        `yaml:"driver"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// TracingConfig controls the write-back backend shared by all sessions.
type TracingConfig struct {
	SlowQuery SlowQueryConfig `yaml:"slow_query"`

	// MaxPendingSessions bounds finalized primary sessions awaiting write.
	MaxPendingSessions  int  `yaml:"max_pending_sessions"`
	MaxEventsPerSession int  `yaml:"max_events_per_session"`
	WriteOnClose        bool `yaml:"write_on_close"`

	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushBatchSize int           `yaml:"flush_batch_size"`
	QueueSize      int           `yaml:"queue_size"`

	// WriteFilter is a CEL expression; primary sessions for which it
	// evaluates to false are not persisted. Empty keeps everything.
	WriteFilter string `yaml:"write_filter"`

	// ObfuscatePasswords masks password literals in traced query texts.
	ObfuscatePasswords bool `yaml:"obfuscate_passwords"`

	// KillFile, when set, names a file whose presence stops all trace
	// write-back until it is removed.
	KillFile string `yaml:"kill_file"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// AlertsConfig configures operational alerts raised by the backend, such
// as the store circuit breaker opening.
type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type SlowQueryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold time.Duration `yaml:"threshold"`
}

// EffectiveThreshold returns the threshold sessions compare against;
// zero disables slow-query logging.
func (s SlowQueryConfig) EffectiveThreshold() time.Duration {
	if !s.Enabled {
		return 0
	}
	return s.Threshold
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// Clone returns a copy of c that can be modified without affecting c.
// Config holds no maps or slices, so a value copy is complete.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7199,
			LogLevel: "info",
			Auth:     AuthConfig{TokenTTL: time.Hour},
		},
		Storage: StorageConfig{
			Driver:    "sqlite",
			Path:      "./querytrace.db",
			Retention: 7 * 24 * time.Hour,
		},
		Tracing: TracingConfig{
			SlowQuery: SlowQueryConfig{
				Enabled:   true,
				Threshold: 500 * time.Millisecond,
			},
			MaxPendingSessions:  1000,
			MaxEventsPerSession: 256,
			FlushInterval:       2 * time.Second,
			FlushBatchSize:      64,
			QueueSize:           4096,
			ObfuscatePasswords:  true,
			Retry: RetryConfig{
				InitialInterval: 50 * time.Millisecond,
				MaxElapsed:      2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				OpenDuration:     30 * time.Second,
			},
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel)
	}
	if c.Server.Auth.Enabled && c.Server.Auth.AdminToken == "" {
		return fmt.Errorf("server.auth.admin_token is required when auth is enabled")
	}
	if c.Server.Auth.TokenTTL < 0 {
		return fmt.Errorf("server.auth.token_ttl must not be negative")
	}
	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	t := c.Tracing
	if t.SlowQuery.Threshold < 0 {
		return fmt.Errorf("tracing.slow_query.threshold must not be negative")
	}
	if t.MaxPendingSessions <= 0 {
		return fmt.Errorf("tracing.max_pending_sessions must be positive")
	}
	if t.MaxEventsPerSession < 0 {
		return fmt.Errorf("tracing.max_events_per_session must not be negative")
	}
	if t.FlushInterval <= 0 {
		return fmt.Errorf("tracing.flush_interval must be positive")
	}
	if t.FlushBatchSize <= 0 {
		return fmt.Errorf("tracing.flush_batch_size must be positive")
	}
	if t.QueueSize <= 0 {
		return fmt.Errorf("tracing.queue_size must be positive")
	}
	if t.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("tracing.circuit_breaker.failure_threshold must be positive")
	}
	if t.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("tracing.circuit_breaker.open_duration must be positive")
	}
	if t.WriteFilter != "" {
		eval, err := policy.NewCELEvaluator(nil)
		if err != nil {
			return err
		}
		if _, err := eval.CompileExpression(t.WriteFilter); err != nil {
			return fmt.Errorf("tracing.write_filter: %w", err)
		}
	}
	return nil
}
