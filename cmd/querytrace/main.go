package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/querytrace/querytrace/internal/alert"
	"github.com/querytrace/querytrace/internal/api"
	"github.com/querytrace/querytrace/internal/auth"
	"github.com/querytrace/querytrace/internal/backend"
	"github.com/querytrace/querytrace/internal/config"
	"github.com/querytrace/querytrace/internal/killswitch"
	"github.com/querytrace/querytrace/internal/trace"
	"github.com/querytrace/querytrace/internal/workload"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const defaultConfigFile = "querytrace.yaml"

// apiToken is sent as a bearer token by the commands that talk to a
// running server.
var apiToken string

func main() {
	rootCmd := &cobra.Command{
		Use:   "querytrace",
		Short: "Query tracing sessions and write-back for a distributed database",
		Long:  "querytrace records per-query trace sessions on coordinators and replicas,\nand writes them back to a local trace store.",
	}

	var configFile string
	var port int
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: querytrace.yaml)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Management API port (default: from config or 7199)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("QUERYTRACE_TOKEN"), "API token for a server with auth enabled (default: $QUERYTRACE_TOKEN)")

	// ─── serve ───
	var devMode bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the trace backend and management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port, devMode)
		},
	}
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: debug logs, CORS *")

	// ─── simulate ───
	simOpts := workload.DefaultOptions()
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Trace a synthetic workload into the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(configFile, simOpts)
		},
	}
	simulateCmd.Flags().IntVar(&simOpts.Queries, "queries", simOpts.Queries, "Number of coordinated queries")
	simulateCmd.Flags().IntVar(&simOpts.Concurrency, "concurrency", simOpts.Concurrency, "Queries in flight")
	simulateCmd.Flags().IntVar(&simOpts.Replicas, "replicas", simOpts.Replicas, "Secondary sessions per query")
	simulateCmd.Flags().IntVar(&simOpts.EventsPerSession, "events", simOpts.EventsPerSession, "Extra trace events per session")
	simulateCmd.Flags().Float64Var(&simOpts.BatchRate, "batch-rate", simOpts.BatchRate, "Fraction of queries sent as batches")
	simulateCmd.Flags().IntVar(&simOpts.BatchSize, "batch-size", simOpts.BatchSize, "Statements per batch")
	simulateCmd.Flags().Float64Var(&simOpts.SerialRate, "serial-rate", simOpts.SerialRate, "Fraction of queries with a serial consistency level")
	simulateCmd.Flags().Float64Var(&simOpts.FaultRate, "fault-rate", simOpts.FaultRate, "Fraction of queries whose trace parameters fail to build")
	simulateCmd.Flags().DurationVar(&simOpts.MaxLatency, "max-latency", simOpts.MaxLatency, "Upper bound of simulated query latency")
	simulateCmd.Flags().Float64Var(&simOpts.Rate, "rate", simOpts.Rate, "Queries per second (0 for unlimited)")
	simulateCmd.Flags().Int64Var(&simOpts.Seed, "seed", simOpts.Seed, "Random seed")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configFile)
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend and store status of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(resolvePort(configFile, port))
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("querytrace %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── sessions ───
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Persisted session inspection",
	}

	var slowOnly bool
	var limit int
	sessionsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(resolvePort(configFile, port), slowOnly, limit)
		},
	}
	sessionsListCmd.Flags().BoolVar(&slowOnly, "slow", false, "Only sessions flagged as slow queries")
	sessionsListCmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to show")

	sessionsShowCmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(resolvePort(configFile, port), args[0])
		},
	}

	sessionsActiveCmd := &cobra.Command{
		Use:   "active",
		Short: "List live sessions on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsActive(resolvePort(configFile, port))
		},
	}

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsActiveCmd)

	// ─── verify ───
	verifyCmd := &cobra.Command{
		Use:   "verify [session-id]",
		Short: "Verify the event hash chains of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(resolvePort(configFile, port), args[0])
		},
	}

	// ─── prune ───
	var (
		days      int
		olderThan time.Duration
	)
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored sessions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			age := olderThan
			if days > 0 {
				age = time.Duration(days) * 24 * time.Hour
			}
			return runPrune(configFile, age)
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff, e.g. 36h (default: storage.retention)")
	pruneCmd.Flags().IntVar(&days, "days", 0, "Age cutoff in days")

	// ─── config reload ───
	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running server to reload its config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(configFile, port)
			resp, err := apiRequest(http.MethodPost, fmt.Sprintf("http://localhost:%d/api/config/reload", p))
			if err != nil {
				return fmt.Errorf("failed to connect to querytrace: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("✓ Config reloaded")
				return nil
			}
			var body map[string]string
			_ = decodeJSON(resp, &body)
			return fmt.Errorf("reload failed (HTTP %d): %s", resp.StatusCode, body["error"])
		},
	}

	// ─── kill switch ───
	var killTrace, killReason string
	killCmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop trace write-back on a running server (all traces, or one with --trace)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKillSwitch(resolvePort(configFile, port), "trigger", killTrace, killReason)
		},
	}
	killCmd.Flags().StringVar(&killTrace, "trace", "", "Only discard rows of this trace id")
	killCmd.Flags().StringVar(&killReason, "reason", "triggered via CLI", "Reason recorded in the audit history")

	var resumeTrace string
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume trace write-back stopped by kill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKillSwitch(resolvePort(configFile, port), "reset", resumeTrace, "")
		},
	}
	resumeCmd.Flags().StringVar(&resumeTrace, "trace", "", "Resume a single trace id")

	rootCmd.AddCommand(serveCmd, simulateCmd, initCmd, statusCmd, versionCmd,
		sessionsCmd, verifyCmd, pruneCmd, reloadCmd, killCmd, resumeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config file, or the defaults when none is found.
func loadConfig(configFile string) (*config.Loader, string, error) {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}
	return cfgLoader, configFile, nil
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func openStore(cfg *config.Config) (*trace.SQLiteStore, error) {
	store, err := trace.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

// ─── serve ───

// serveConfig applies command-line overrides to a copy of the loaded config.
func serveConfig(loaded *config.Config, portOverride int, devMode bool) *config.Config {
	cfg := loaded.Clone()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}
	return cfg
}

func runServe(configFile string, portOverride int, devMode bool) error {
	cfgLoader, configFile, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := serveConfig(cfgLoader.Get(), portOverride, devMode)

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	cfgLoader.SetLogger(logger)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	hub := api.NewWebSocketHub(logger, cfg.Server.CORS)

	hostname, _ := os.Hostname()
	opts := []backend.Option{
		backend.WithLogger(logger),
		backend.WithCoordinator(hostname),
		backend.WithOnPersist(hub.BroadcastPersisted),
	}
	kill := killswitch.New(logger, killswitch.WithSentinel(cfg.Tracing.KillFile))
	opts = append(opts, backend.WithKillSwitch(kill))
	alertMgr := alert.NewManager(cfg.Alerts, logger)
	if alertMgr.HasSenders() {
		opts = append(opts, backend.WithAlerts(alertMgr))
	}
	be, err := backend.New(store, cfg.Tracing, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace backend: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var tokens *auth.TokenManager
	if cfg.Server.Auth.Enabled {
		tokens = auth.NewTokenManager(cfg.Server.Auth.TokenTTL, nil, logger)
		if _, err := tokens.AddStaticToken(cfg.Server.Auth.AdminToken, auth.RoleAdmin); err != nil {
			return fmt.Errorf("failed to register admin token: %w", err)
		}
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alertMgr.PruneDedup()
				if tokens != nil {
					if n := tokens.CleanExpired(); n > 0 {
						logger.Debug("expired API tokens removed", "count", n)
					}
				}
			}
		}
	}()

	if err := be.Start(ctx); err != nil {
		return err
	}

	apiServer := api.NewServer(cfg.Server, store, cfgLoader, be, hub, logger)
	apiServer.SetKillSwitch(kill)
	if tokens != nil {
		apiServer.SetTokenManager(tokens)
	}
	go kill.Watch(ctx, time.Second)

	// Hot-reload config file
	if configFile != "" {
		if err := cfgLoader.Watch(func(next *config.Config) {
			if err := be.Reconfigure(next.Tracing); err != nil {
				logger.Error("hot-reload failed", "error", err)
			}
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	go runRetention(ctx, store, cfg.Storage.Retention, logger)

	fmt.Println()
	fmt.Printf("  querytrace %s\n", version)
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Metrics:   http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	if tokens != nil {
		fmt.Printf("  → Auth:      bearer tokens (ttl %s)\n", cfg.Server.Auth.TokenTTL)
	}
	if threshold := cfg.Tracing.SlowQuery.EffectiveThreshold(); threshold > 0 {
		fmt.Printf("  → Slow log:  > %s\n", threshold)
	}
	fmt.Println()

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err = <-errCh:
		logger.Error("management API failed", "error", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = apiServer.Shutdown(shutCtx)
	if stopErr := be.Stop(shutCtx); stopErr != nil {
		logger.Error("trace backend stopped with errors", "error", stopErr)
	}
	if waitErr := alertMgr.Wait(shutCtx); waitErr != nil {
		logger.Warn("pending alerts not delivered", "error", waitErr)
	}
	return err
}

// runRetention prunes expired sessions at startup and then hourly.
func runRetention(ctx context.Context, store trace.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	prune := func() {
		n, err := store.PruneOlderThan(retention)
		if err != nil {
			logger.Error("retention prune failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pruned expired sessions", "sessions", n, "older_than", retention)
		}
	}

	prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// ─── simulate ───

func runSimulate(configFile string, opts workload.Options) error {
	cfgLoader, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Get()
	logger := newLogger(cfg.Server.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	be, err := backend.New(store, cfg.Tracing,
		backend.WithLogger(logger),
		backend.WithCoordinator("127.0.0.1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create trace backend: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := be.Start(ctx); err != nil {
		return err
	}

	gen, err := workload.New(be, opts, workload.WithLogger(logger))
	if err != nil {
		return err
	}
	res, runErr := gen.Run(ctx)

	if err := be.Stop(context.Background()); err != nil {
		logger.Error("trace backend stopped with errors", "error", err)
	}
	stats := be.Stats()

	fmt.Println()
	fmt.Println("Simulation")
	fmt.Println("─────────────────")
	fmt.Printf("  %-20s %s\n", "queries:", humanize.Comma(int64(res.Queries)))
	fmt.Printf("  %-20s %s\n", "batches:", humanize.Comma(int64(res.Batches)))
	fmt.Printf("  %-20s %s\n", "serial:", humanize.Comma(int64(res.Serial)))
	fmt.Printf("  %-20s %s\n", "injected faults:", humanize.Comma(int64(res.Faults)))
	fmt.Printf("  %-20s %s\n", "secondaries:", humanize.Comma(int64(res.Secondaries)))
	fmt.Printf("  %-20s %s\n", "elapsed:", res.Elapsed.Round(time.Millisecond))
	fmt.Println()
	printBackendStats(stats)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// ─── init ───

func runInit(configFile string) error {
	if configFile == "" {
		configFile = defaultConfigFile
	}
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configFile)
		return nil
	}
	if err := config.GenerateDefault(configFile); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configFile)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    querytrace simulate --queries 500   # Trace a synthetic workload")
	fmt.Println("    querytrace serve                    # Start the management API")
	return nil
}

// ─── prune ───

func runPrune(configFile string, age time.Duration) error {
	cfgLoader, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Get()
	if age <= 0 {
		age = cfg.Storage.Retention
	}
	if age <= 0 {
		return fmt.Errorf("no retention configured; pass --older-than")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.PruneOlderThan(age)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Pruned %s sessions older than %s\n", humanize.Comma(n), age)
	return nil
}

// ─── API clients ───

func runStatus(port int) error {
	resp, err := apiRequest(http.MethodGet, fmt.Sprintf("http://localhost:%d/api/stats", port))
	if err != nil {
		fmt.Printf("querytrace is not running on port %d\n", port)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Store     trace.SystemStats `json:"store"`
		Backend   backend.Stats     `json:"backend"`
		WSClients int               `json:"ws_clients"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	fmt.Println("Store")
	fmt.Println("─────────────────")
	fmt.Printf("  %-20s %s\n", "sessions:", humanize.Comma(result.Store.TotalSessions))
	fmt.Printf("  %-20s %s\n", "slow sessions:", humanize.Comma(result.Store.SlowSessions))
	fmt.Printf("  %-20s %s\n", "events:", humanize.Comma(result.Store.TotalEvents))
	fmt.Printf("  %-20s %s\n", "avg duration:", micros(int64(result.Store.AvgDurationMicros)))
	fmt.Println()
	printBackendStats(result.Backend)
	fmt.Printf("  %-20s %d\n", "live feed clients:", result.WSClients)
	return nil
}

func printBackendStats(s backend.Stats) {
	fmt.Println("Backend")
	fmt.Println("─────────────────")
	fmt.Printf("  %-20s %v\n", "running:", s.Running)
	fmt.Printf("  %-20s %s\n", "breaker:", s.Breaker)
	if s.Killed {
		fmt.Printf("  %-20s %s\n", "kill switch:", "TRIGGERED")
	}
	fmt.Printf("  %-20s %d/%d\n", "queue:", s.QueueDepth, s.QueueCapacity)
	fmt.Printf("  %-20s %d/%d\n", "budget:", s.BudgetPending, s.BudgetLimit)
	fmt.Printf("  %-20s %d\n", "active sessions:", s.ActiveSessions)
	fmt.Printf("  %-20s %s\n", "sessions written:", humanize.Comma(int64(s.SessionsWritten)))
	fmt.Printf("  %-20s %s\n", "events written:", humanize.Comma(int64(s.EventsWritten)))
	fmt.Printf("  %-20s %s\n", "filtered:", humanize.Comma(int64(s.Filtered)))
	fmt.Printf("  %-20s %s\n", "dropped:", humanize.Comma(int64(s.Dropped)))
	fmt.Printf("  %-20s %s\n", "write errors:", humanize.Comma(int64(s.WriteErrors)))
	fmt.Printf("  %-20s %s\n", "trace errors:", humanize.Comma(int64(s.TraceErrors)))
}

func runSessionsList(port int, slowOnly bool, limit int) error {
	url := fmt.Sprintf("http://localhost:%d/api/sessions?limit=%d", port, limit)
	if slowOnly {
		url += "&slow=true"
	}

	resp, err := apiRequest(http.MethodGet, url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Sessions []trace.Session `json:"sessions"`
		Total    int             `json:"total"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if len(result.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-28s %-16s %-12s %-5s %-16s %s\n", "SESSION", "STARTED", "DURATION", "SLOW", "CLIENT", "REQUEST")
	fmt.Println(strings.Repeat("─", 110))
	for _, s := range result.Sessions {
		slow := ""
		if s.SlowQuery {
			slow = "yes"
		}
		fmt.Printf("%-28s %-16s %-12s %-5s %-16s %s\n",
			s.ID, humanize.Time(s.StartedAt), micros(s.DurationMicros), slow, s.Client, truncate(s.Request, 40))
	}
	if result.Total > len(result.Sessions) {
		fmt.Printf("\n%d of %s sessions\n", len(result.Sessions), humanize.Comma(int64(result.Total)))
	}
	return nil
}

func runSessionsShow(port int, sessionID string) error {
	resp, err := apiRequest(http.MethodGet, fmt.Sprintf("http://localhost:%d/api/sessions/%s", port, sessionID))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session %s not found", sessionID)
	}

	var result struct {
		Session *trace.Session `json:"session"`
		Events  []trace.Event  `json:"events"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if s := result.Session; s != nil {
		fmt.Printf("Session:     %s\n", s.ID)
		fmt.Printf("Coordinator: %s\n", s.Coordinator)
		fmt.Printf("Client:      %s\n", s.Client)
		fmt.Printf("Request:     %s\n", s.Request)
		fmt.Printf("Started:     %s (%s)\n", s.StartedAt.Format(time.RFC3339), humanize.Time(s.StartedAt))
		fmt.Printf("Duration:    %s\n", micros(s.DurationMicros))
		fmt.Printf("Slow query:  %v\n", s.SlowQuery)
		if len(s.Parameters) > 0 {
			fmt.Println("Parameters:")
			for _, k := range sortedKeys(s.Parameters) {
				fmt.Printf("  %-26s %s\n", k, s.Parameters[k])
			}
		}
	} else {
		fmt.Printf("Session:     %s (no summary row)\n", sessionID)
	}
	fmt.Println()

	for i, e := range result.Events {
		fmt.Printf("  %3d. %-10s %-12s %-9s %s\n", i+1, micros(e.ElapsedMicros), e.Source, e.Role, e.Activity)
	}
	return nil
}

func runSessionsActive(port int) error {
	resp, err := apiRequest(http.MethodGet, fmt.Sprintf("http://localhost:%d/api/active", port))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Sessions []struct {
			ID        string    `json:"id"`
			TraceID   string    `json:"trace_id"`
			Role      string    `json:"role"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"sessions"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if len(result.Sessions) == 0 {
		fmt.Println("No live sessions.")
		return nil
	}

	fmt.Printf("%-28s %-28s %-10s %s\n", "SESSION", "TRACE", "ROLE", "OPENED")
	fmt.Println(strings.Repeat("─", 90))
	for _, s := range result.Sessions {
		fmt.Printf("%-28s %-28s %-10s %s\n", s.ID, s.TraceID, s.Role, humanize.Time(s.CreatedAt))
	}
	return nil
}

func runVerify(port int, sessionID string) error {
	resp, err := apiRequest(http.MethodGet, fmt.Sprintf("http://localhost:%d/api/sessions/%s/verify", port, sessionID))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Valid    bool `json:"valid"`
		BrokenAt int  `json:"broken_at"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Valid {
		fmt.Printf("✓ Hash chains intact for session %s\n", sessionID)
	} else {
		fmt.Printf("✗ Hash chain broken for session %s at event %d\n", sessionID, result.BrokenAt)
	}
	return nil
}

// ─── helpers ───

func findConfigFile() string {
	candidates := []string{
		defaultConfigFile,
		"querytrace.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "querytrace", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// resolvePort picks the API port: flag, then config file, then default.
func resolvePort(configFile string, port int) int {
	if port > 0 {
		return port
	}
	if cfgLoader, _, err := loadConfig(configFile); err == nil {
		return cfgLoader.Get().Server.Port
	}
	return config.DefaultConfig().Server.Port
}

func runKillSwitch(port int, action, traceID, reason string) error {
	payload := map[string]string{"scope": string(killswitch.ScopeGlobal), "reason": reason}
	if traceID != "" {
		payload["scope"] = string(killswitch.ScopeTrace)
		payload["trace_id"] = traceID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := apiRequestBody(http.MethodPost, fmt.Sprintf("http://localhost:%d/api/killswitch/%s", port, action), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to querytrace: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]string
	_ = decodeJSON(resp, &result)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed (HTTP %d): %s", action, resp.StatusCode, result["error"])
	}

	target := "all traces"
	if traceID != "" {
		target = "trace " + traceID
	}
	if action == "trigger" {
		fmt.Printf("✓ Write-back stopped for %s\n", target)
	} else {
		fmt.Printf("✓ Write-back resumed for %s\n", target)
	}
	return nil
}

func apiRequest(method, url string) (*http.Response, error) {
	return apiRequestBody(method, url, nil)
}

func apiRequestBody(method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	return http.DefaultClient.Do(req)
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func micros(us int64) string {
	return (time.Duration(us) * time.Microsecond).String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
