package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-warden/warden/internal/adapter/inbound/http"
	"github.com/agent-warden/warden/internal/adapter/outbound/memory"
	"github.com/agent-warden/warden/internal/adapter/outbound/redisrate"
	"github.com/agent-warden/warden/internal/adapter/outbound/sqlstore"
	"github.com/agent-warden/warden/internal/config"
	"github.com/agent-warden/warden/internal/domain/auth"
	"github.com/agent-warden/warden/internal/domain/policy"
	"github.com/agent-warden/warden/internal/domain/ratelimit"
	"github.com/agent-warden/warden/internal/service"
	"github.com/agent-warden/warden/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision server",
	Long: `Start the Warden decision server.

The server answers POST /runtime-check with an allow or block decision for
every agent tool call, evaluated against the published policy of the calling
key's environment and the session's accumulated state. The admin API, health
probe, and Prometheus metrics share the same listener.

Examples:
  # Start with config file settings
  warden serve

  # Start in development mode (in-memory database, seeded dev environment)
  warden serve --dev

  # Start with a specific config file
  warden --config /path/to/warden.yaml serve`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, in-memory database, seeded dev key)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration (without dev defaults or validation, so the CLI
	// flag can override DevMode first).
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Logger goes to stderr; stdout stays clean for command output.
	// Priority: DevMode=true -> debug, otherwise use configured log_level.
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "warden stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	return run(ctx, cfg, logger)
}

// run wires the stores, services, and the HTTP server, then blocks until
// the context is cancelled. Deferred shutdown runs in reverse wiring order
// so the audit queue drains into the database before the pool closes.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing("warden", Version, cfg.Telemetry.TracesEnabled)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	// ===== Database =====
	db, err := sqlstore.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Schema statements are idempotent; applying them on every start keeps
	// "warden migrate" optional for single-node setups.
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info("database ready", "driver", db.Driver())

	policyStore := sqlstore.NewPolicyStore(db)
	sessionStore := sqlstore.NewSessionStore(db)
	keyStore := sqlstore.NewKeyStore(db)
	auditStore := sqlstore.NewAuditStore(db)

	// ===== Rate limiter =====
	limiter, stopLimiter, err := buildRateLimiter(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer stopLimiter()

	// ===== Audit writer =====
	flushInterval, err := time.ParseDuration(cfg.Audit.FlushInterval)
	if err != nil {
		flushInterval = time.Second
		logger.Warn("invalid audit.flush_interval, using default",
			"value", cfg.Audit.FlushInterval, "default", "1s")
	}
	sendTimeout, err := time.ParseDuration(cfg.Audit.SendTimeout)
	if err != nil {
		sendTimeout = 100 * time.Millisecond
		logger.Warn("invalid audit.send_timeout, using default",
			"value", cfg.Audit.SendTimeout, "default", "100ms")
	}

	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(flushInterval),
		service.WithSendTimeout(sendTimeout),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	auditService.Start(ctx)
	defer auditService.Stop()

	// ===== Services =====
	authenticator := auth.NewAuthenticator(keyStore, cfg.Auth.KeyMinLength, cfg.Auth.KeyPrefixLength)

	decisions := service.NewDecisionService(service.DecisionDeps{
		Policies: policyStore,
		Sessions: sessionStore,
		Auth:     authenticator,
		Limiter:  limiter,
		Audits:   auditService,
		Logger:   logger,
	}, service.DecisionLimits{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		MaxHistoryLength:  cfg.Session.MaxHistoryLength,
	})

	policyService := service.NewPolicyService(policyStore, keyStore, logger)
	keyService := service.NewKeyService(keyStore, keyStore, cfg.Auth.KeyPrefixLength, logger)
	auditQuery, err := service.NewAuditQueryService(auditStore, logger)
	if err != nil {
		return fmt.Errorf("create audit query service: %w", err)
	}

	// ===== Dev seeding =====
	if cfg.DevMode {
		if err := seedDevEnvironment(ctx, keyService, policyService, logger); err != nil {
			return fmt.Errorf("seed dev environment: %w", err)
		}
	}

	// ===== HTTP server =====
	if cfg.Admin.TokenHash == "" {
		logger.Warn("admin.token_hash not set, admin API will reject every request")
	}
	adminAPI := http.NewAdminAPI(policyService, keyService, auditQuery, cfg.Admin.TokenHash, logger)
	healthChecker := http.NewHealthChecker(db, auditService, Version)

	srv := http.NewServer(decisions,
		http.WithAddr(cfg.Server.Addr),
		http.WithLogger(logger),
		http.WithAllowedOrigins(cfg.Server.CORSAllowedOrigins),
		http.WithMaxPayloadBytes(cfg.Server.MaxPayloadBytes),
		http.WithRequestDeadline(time.Duration(cfg.Server.RequestDeadlineMs)*time.Millisecond),
		http.WithAdminAPI(adminAPI),
		http.WithAuditService(auditService),
		http.WithHealthChecker(healthChecker),
	)

	logger.Info("warden starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"addr", cfg.Server.Addr,
		"db_driver", db.Driver(),
		"rate_limit_backend", cfg.RateLimit.Backend,
		"requests_per_minute", cfg.RateLimit.RequestsPerMinute,
		"traces", cfg.Telemetry.TracesEnabled,
	)

	printBanner(Version, cfg.Server.Addr, cfg.DevMode, db.Driver())

	return srv.Start(ctx)
}

// buildRateLimiter creates the window counter backend the config selects.
// The returned func stops cleanup goroutines or closes connections.
func buildRateLimiter(ctx context.Context, cfg *config.Config, db *sqlstore.DB, logger *slog.Logger) (ratelimit.Limiter, func(), error) {
	switch cfg.RateLimit.Backend {
	case "redis":
		limiter, err := redisrate.Open(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis rate limiter: %w", err)
		}
		logger.Info("rate limit backend: redis")
		return limiter, func() {
			if err := limiter.Close(); err != nil {
				logger.Warn("close redis rate limiter", "error", err)
			}
		}, nil

	case "db":
		limiter := sqlstore.NewRateLimiter(db)
		limiter.StartCleanup(ctx)
		logger.Info("rate limit backend: db", "driver", db.Driver())
		return limiter, limiter.Stop, nil

	default:
		limiter := memory.NewRateLimiter()
		limiter.StartCleanup(ctx)
		logger.Info("rate limit backend: memory")
		return limiter, limiter.Stop, nil
	}
}

// devPolicySpec is the sample policy published into the seeded dev
// environment: permissive by default, one denied tool, and one capped
// side-effect tool, so both decision outcomes are reachable immediately.
const devPolicySpec = `{
  "version": "1.0",
  "defaultDecision": "allow",
  "toolRules": [
    {"toolName": "drop_database", "effect": "deny"},
    {"toolName": "send_email", "effect": "allow", "actionType": "side_effect", "maxCallsPerSession": 5}
  ]
}`

// seedDevEnvironment creates the "dev" environment, publishes the sample
// policy if the environment has none, and mints a fresh API key. The raw
// key is printed to stderr exactly once; only its hash is stored.
func seedDevEnvironment(ctx context.Context, keys *service.KeyService, policies *service.PolicyService, logger *slog.Logger) error {
	const envID = "dev"

	if _, err := keys.CreateEnv(ctx, envID, "Development"); err != nil {
		if !errors.Is(err, auth.ErrEnvExists) {
			return err
		}
		logger.Debug("dev environment already exists")
	}

	if _, err := policies.GetPublished(ctx, envID); err != nil {
		if !errors.Is(err, policy.ErrNotFound) {
			return err
		}
		rec, err := policies.CreateDraft(ctx, envID, "dev-sample")
		if err != nil {
			return err
		}
		if _, err := policies.SaveDraft(ctx, rec.ID, json.RawMessage(devPolicySpec)); err != nil {
			return err
		}
		pub, err := policies.Publish(ctx, rec.ID, "dev-seed")
		if err != nil {
			return err
		}
		logger.Info("dev policy published", "policy_id", pub.ID, "version", pub.Version, "hash", pub.Hash)
	}

	rawKey, key, err := keys.MintKey(ctx, envID, "dev-key")
	if err != nil {
		return err
	}
	logger.Info("dev API key minted", "key_id", key.ID, "prefix", key.Prefix)

	fmt.Fprintf(os.Stderr, "\n  Dev API key (shown once, only its hash is stored):\n\n    %s\n\n", rawKey)
	return nil
}

// printBanner prints a formatted startup banner to stderr with version,
// endpoints, mode, and database driver.
func printBanner(version, addr string, devMode bool, dbDriver string) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	host := addr
	if strings.HasPrefix(addr, ":") {
		host = "localhost" + addr
	}
	checkURL := fmt.Sprintf("http://%s/runtime-check", host)
	adminURL := fmt.Sprintf("http://%s/admin/api", host)

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%sWarden %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Decisions:", checkURL)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Admin API:", adminURL)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Database:", dbDriver)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the standard location for the Warden PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".warden", "server.pid")
	}
	return filepath.Join(os.TempDir(), "warden-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// readPIDFile reads a PID from the given file path. Returns 0 if unreadable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
