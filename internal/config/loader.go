package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file over DefaultConfig and keeps the current
// value available to concurrent readers. It can watch the file and reload
// it on change.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
	logger   *slog.Logger

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader holding DefaultConfig.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// SetLogger replaces the loader's logger.
func (l *Loader) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.logger = logger.With("component", "config.Loader")
}

// Load parses path, validates it, and makes it the current config.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file given to the last successful Load. On error the
// current config is kept.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the current config. Callers must not modify it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default}.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
}

// Watch reloads the config whenever the loaded file is written or replaced
// and passes the new config to onReload. Failed reloads are logged and the
// previous config stays current. Call StopWatch to clean up.
func (l *Loader) Watch(onReload func(*Config)) error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory to catch editors that rename over the file.
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, target string, onReload func(*Config)) {
	defer close(done)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Error("config reload failed", "path", target, "error", err)
				continue
			}
			l.logger.Info("config reloaded", "path", target)
			if onReload != nil {
				onReload(l.Get())
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the file watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher == nil {
		return
	}
	_ = l.watcher.Close()
	<-l.watchDone
	l.watcher = nil
	l.watchDone = nil
}

const defaultConfigYAML = `# querytrace configuration

server:
  port: 7199
  log_level: info
  cors: false
  auth:
    enabled: false
    admin_token: ${QUERYTRACE_ADMIN_TOKEN}
    token_ttl: 1h

storage:
  driver: sqlite
  path: ./querytrace.db
  retention: 168h

tracing:
  slow_query:
    enabled: true
    threshold: 500ms
  max_pending_sessions: 1000
  max_events_per_session: 256
  write_on_close: false
  flush_interval: 2s
  flush_batch_size: 64
  queue_size: 4096
  # CEL over session.*, e.g. "session.slow || session.elapsed_ms > 50"
  write_filter: ""
  obfuscate_passwords: true
  # touch this file to stop trace write-back, remove it to resume
  kill_file: ""
  retry:
    initial_interval: 50ms
    max_elapsed: 2s
  circuit_breaker:
    failure_threshold: 5
    open_duration: 30s

alerts:
  slack:
    webhook_url: ""
    channel: ""
  webhook:
    url: ""
    secret: ""
`

// GenerateDefault writes a commented default config file to path.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
