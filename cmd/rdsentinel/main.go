package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mescon/rdsentinel/internal/api"
	"github.com/mescon/rdsentinel/internal/cleanup"
	"github.com/mescon/rdsentinel/internal/config"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/failure"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/metrics"
	"github.com/mescon/rdsentinel/internal/notifier"
	"github.com/mescon/rdsentinel/internal/pipeline"
	"github.com/mescon/rdsentinel/internal/provider"
	"github.com/mescon/rdsentinel/internal/rategate"
	"github.com/mescon/rdsentinel/internal/reinject"
	"github.com/mescon/rdsentinel/internal/scheduler"
	"github.com/mescon/rdsentinel/internal/store"
	"github.com/mescon/rdsentinel/internal/symlink"
	"github.com/mescon/rdsentinel/internal/validator"
)

const logSeparator = "========================================"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rdsentinel %s\n", config.Version)
		os.Exit(0)
	}

	cfg := config.Load()

	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof(logSeparator)
	logger.Infof("Starting rdsentinel %s...", config.Version)
	logger.Infof("Debrid catalog sentinel: symlink correlation, rate-gated re-submission, retry management")
	logger.Infof(logSeparator)
	logConfiguration(cfg)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open store: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Store opened and migrated: %s", cfg.DatabasePath)

	if cfg.DatabasePath != ":memory:" {
		backupPath := cfg.DatabasePath + ".startup.bak"
		if err := st.Backup(backupPath); err != nil {
			logger.Errorf("Startup backup failed: %v", err)
		} else {
			logger.Infof("✓ Startup backup created: %s", backupPath)
		}
	}

	eb := eventbus.NewEventBus(st.DB)
	logger.Infof("✓ Event bus initialized")

	gate := rategate.New(rategate.Config{
		MaxPerMinute:   cfg.RateGateMaxPerMinute,
		Window:         cfg.RateGateWindow,
		DefaultTimeout: cfg.RateGateCallTimeout,
	})
	logger.Infof("✓ Rate gate initialized (%d/min over %s)", cfg.RateGateMaxPerMinute, cfg.RateGateWindow)

	pc := provider.New(cfg.ProviderBaseURL, cfg.ProviderToken, gate)
	v := validator.New()
	w := symlink.New(cfg.WalkerConcurrency)

	fh := failure.New(st, cfg, gate, cfg.DryRunDefault).SetEventBus(eb)
	rw := reinject.New(st, pc, v, fh, cfg, cfg.DryRunDefault).SetEventBus(eb)
	cw := cleanup.New(st, rw).SetEventBus(eb)
	tester := pipeline.New(cfg, st, pc, w, rw).SetEventBus(eb)
	sched := scheduler.New(cfg, st, pc, v, tester, cw).SetEventBus(eb)
	logger.Infof("✓ Core pipeline wired: provider, validator, walker, failure handler, reinject worker, cleanup worker, scheduler")

	notif := notifier.NewNotifier(st.DB, eb)
	if err := notif.Start(); err != nil {
		logger.Errorf("Failed to start notifier: %v", err)
	} else {
		logger.Infof("✓ Notifier started")
	}

	metricsService := metrics.NewMetricsService(eb, gate)
	metricsService.Start()
	logger.Infof("✓ Metrics service started (Prometheus endpoint at /metrics)")

	sched.Start(context.Background())
	logger.Infof("✓ Scheduler started")

	apiServer := api.NewRESTServer(api.ServerDeps{
		DB:             st.DB,
		Store:          st,
		EventBus:       eb,
		Scheduler:      sched,
		Tester:         tester,
		ReinjectWorker: rw,
		Gate:           gate,
		Notifier:       notif,
		Metrics:        metricsService,
		APIKey:         cfg.APIKey,
	})

	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof(logSeparator)
	logger.Infof("✓ rdsentinel %s started successfully", config.Version)
	logger.Infof("✓ Control plane listening on port %s", cfg.Port)
	logger.Infof(logSeparator)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof(logSeparator)
	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
	logger.Infof(logSeparator)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Infof("Stopping scheduler...")
	sched.Stop()
	logger.Infof("✓ Scheduler stopped")

	logger.Infof("Stopping API server...")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API server stopped")
	}

	logger.Infof("Stopping notifier...")
	notif.Stop()
	logger.Infof("✓ Notifier stopped")

	logger.Infof("Stopping event bus...")
	eb.Shutdown()
	logger.Infof("✓ Event bus stopped")

	logger.Infof("Running final maintenance checkpoint...")
	if err := st.RunMaintenance(); err != nil {
		logger.Errorf("Final maintenance checkpoint failed: %v", err)
	}

	logger.Infof("Closing store...")
	if err := st.Close(); err != nil {
		logger.Errorf("Failed to close store: %v", err)
	}

	logger.Infof(logSeparator)
	logger.Infof("✓ rdsentinel shutdown complete")
	logger.Infof(logSeparator)
}

func logConfiguration(cfg *config.Config) {
	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Media Root: %s", cfg.MediaRoot)
	logger.Infof("  Provider: %s", cfg.ProviderBaseURL)
	logger.Infof("  Rate Gate: %d/min over %s", cfg.RateGateMaxPerMinute, cfg.RateGateWindow)
	logger.Infof("  Max Retry Attempts: %d", cfg.MaxRetryAttempts)
	logger.Infof("  Walker Concurrency: %d", cfg.WalkerConcurrency)
	if cfg.DryRunDefault {
		logger.Infof("  ⚠️  DRY-RUN MODE: ENABLED (no re-submissions or deletions will be made)")
	}
}
