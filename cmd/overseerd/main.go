package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/cron"
	"github.com/basket/overseer/internal/gateway"
	"github.com/basket/overseer/internal/notify"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/overseer"
	"github.com/basket/overseer/internal/planner"
	"github.com/basket/overseer/internal/store"
	"github.com/basket/overseer/internal/telemetry"
	"github.com/basket/overseer/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the overseer daemon

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s version                  Print version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OVERSEER_HOME               Data directory (default: ~/.overseer)
  OVERSEER_AUTH_TOKEN         Gateway bearer token override
  OVERSEER_BIND_ADDR          Gateway bind address override
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", args[0])
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	// Telemetry first so everything downstream can take the tracer.
	exporter := cfg.Telemetry.Exporter
	if exporter == "otlp" {
		exporter = "otlp-http"
	}
	provider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	backend, err := openBackend(cfg.Store)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	st, err := store.Open(ctx, backend)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened",
		"backend", cfg.Store.Backend, "path", cfg.Store.Path)

	eventBus := bus.New()

	var runtime worker.Runtime
	if len(cfg.Worker.Command) > 0 {
		runtime, err = worker.NewExecRuntime(cfg.Worker.Command, logger)
		if err != nil {
			fatalStartup(logger, "E_WORKER_RUNTIME", err)
		}
		logger.Info("worker runtime: exec", "command", cfg.Worker.Command[0])
	} else {
		runtime = worker.NewLogRuntime(logger)
		logger.Info("worker runtime: log-only (no worker.command configured)")
	}

	bridge := notify.New(notify.Config{
		Bus:    eventBus,
		Links:  notify.DeepLinks{BaseURL: cfg.Dashboard.BaseURL},
		Logger: logger,
	})

	ov, err := overseer.New(overseer.Config{
		Store:     st,
		Runtime:   runtime,
		Generator: &planner.Outline{},
		Bus:       eventBus,
		Hooks:     bridge.Hooks(),
		Tuning:    tuningFrom(cfg.Reconcile),
		Logger:    logger,
		Tracer:    provider.Tracer,
		Metrics:   metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_OVERSEER_INIT", err)
	}

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Overseer:          ov,
		Store:             st,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Metrics:           metrics,
	})

	rateLimiter := gateway.NewRateLimitMiddleware(cfg.Gateway.RateLimit, metrics)
	rateLimiter.StartEviction(ctx, 10*time.Minute, 30*time.Minute)
	corsWrap := gateway.NewCORSMiddleware(cfg.Gateway.CORS)
	sizeWrap := gateway.RequestSizeLimitMiddleware(0)
	handler := corsWrap(rateLimiter.Wrap(sizeWrap(gw.Handler())))

	server := &http.Server{
		Addr:    cfg.Gateway.BindAddr,
		Handler: handler,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched := cron.NewScheduler(cron.Config{
		Ticker:   ov,
		Logger:   logger,
		Interval: cfg.Reconcile.Interval(),
		Sweeps:   cfg.Reconcile.Sweeps,
	})
	sched.Start(ctx)
	defer sched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed, retaining previous config", "error", err)
				continue
			}
			ov.SetTuning(tuningFrom(newCfg.Reconcile))
			logger.Info("reconcile tuning hot-reloaded",
				"idle_after_ms", newCfg.Reconcile.IdleAfterMs,
				"max_retries", newCfg.Reconcile.MaxRetries,
				"fingerprint", newCfg.Fingerprint())
		}
	}()

	logger.Info("overseer ready", "version", Version)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server failed", "error", err)
	}

	gw.NotifyShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("overseer stopped")
}

// openBackend selects the snapshot backend from config.
func openBackend(sc config.StoreConfig) (store.Backend, error) {
	switch sc.Backend {
	case "sqlite":
		return store.NewSQLiteBackend(sc.Path)
	default:
		return store.NewFileBackend(sc.Path)
	}
}

func tuningFrom(rc config.ReconcileConfig) overseer.Tuning {
	return overseer.Tuning{
		DefaultIdleAfter: time.Duration(rc.IdleAfterMs) * time.Millisecond,
		GraceMultiplier:  rc.GraceMultiplier,
		MaxRetries:       rc.MaxRetries,
		BackoffBase:      time.Duration(rc.BackoffBaseMs) * time.Millisecond,
		BackoffCap:       time.Duration(rc.BackoffCapMs) * time.Millisecond,
	}
}

// loadAuthToken resolves the gateway bearer token: config (already env
// overridden) wins, then <home>/auth.token, generated on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.Gateway.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"overseerd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
