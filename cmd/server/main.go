package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"playground-sandbox/internal/api"
	"playground-sandbox/internal/config"
	"playground-sandbox/internal/engine"
	"playground-sandbox/internal/metrics"
	"playground-sandbox/internal/monitor"
	"playground-sandbox/internal/sandbox"
	"playground-sandbox/internal/security"
	"playground-sandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Security layers
	detector := security.NewDetector()
	policy, err := security.NewPolicyManager(cfg.Security.PolicyRules)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid security policy rules")
	}

	// Execution pipeline
	limits := cfg.LimitsTable()
	resMonitor := sandbox.NewResourceMonitor(limits,
		sandbox.WithSampleInterval(cfg.Sandbox.SampleInterval),
		sandbox.WithHistorySize(cfg.Sandbox.HistorySize),
	)
	controller := sandbox.NewExecutionController()
	collector := metrics.NewCollector(cfg.Sandbox.HistorySize)
	engines := engine.DefaultRegistry()

	prod := monitor.NewProductionMonitor(cfg.Alerts.Thresholds,
		func() int { return controller.ActiveCount() },
		monitor.WithSnapshotInterval(cfg.Alerts.SnapshotInterval),
		monitor.WithRetention(cfg.Alerts.Retention),
	)
	prod.Start()
	defer prod.Stop()

	executor := sandbox.NewExecutor(
		sandbox.ExecutorConfig{
			MaxCodeSize:     cfg.Sandbox.MaxCodeSize,
			MaxOutputSize:   cfg.Sandbox.MaxOutputSize,
			MaxPerSession:   cfg.Sandbox.MaxPerSession,
			DefaultPackages: cfg.DefaultPackages(),
		},
		limits, detector, policy, resMonitor, controller, engines, collector, prod,
	)
	defer resMonitor.Close()

	// Database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	handlers := api.NewHandlers(executor, resMonitor, controller, collector, prod, engines, db, auditWriter)
	server := api.NewServer(cfg, handlers, db)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Strs("languages", engines.Languages()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
