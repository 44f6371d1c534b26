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

	"polyglot-sandbox/internal/api"
	"polyglot-sandbox/internal/backend"
	"polyglot-sandbox/internal/compiler"
	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/sandbox"
	"polyglot-sandbox/internal/security"
	"polyglot-sandbox/internal/storage"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	// Security coordinator shared by analysis and runtime monitoring
	maxTime, maxMemory, maxStack, blocked := cfg.MonitorLimits()
	monCfg := security.DefaultMonitorConfig()
	monCfg.MaxExecutionTime = maxTime
	monCfg.MaxMemoryBytes = maxMemory
	monCfg.MaxStackDepth = maxStack
	if len(blocked) > 0 {
		monCfg.BlockedAPIs = blocked
	}
	coordinator := security.NewCoordinator(monCfg)
	coordinator.SetEnabled(cfg.Security.AnalysisEnabled)

	// Language backends
	registry := backend.NewRegistry()

	js := backend.NewJavaScriptBackend(backend.JSOptions{
		APIGate:    coordinator.CheckAPIAccess,
		LimitCheck: coordinator.CheckResourceLimits,
	})
	registry.Register(js)
	registry.RegisterAs("typescript", js)

	py := backend.NewPythonBackend(func() backend.Engine {
		return backend.NewSubprocessPythonEngine(cfg.Sandbox.PythonBin)
	})
	py.BootTimeout = cfg.Sandbox.WorkerBoot
	py.OnBoot = func(d time.Duration) {
		metrics.WorkerBootLatency.WithLabelValues("python").Observe(d.Seconds())
	}
	registry.Register(py)

	if php, phpErr := backend.NewSubprocessPHPEngine(cfg.Sandbox.PHPBin); phpErr == nil {
		registry.Register(backend.NewPHPBackend(php))
	} else {
		log.Warn().Err(phpErr).Msg("php engine unavailable, language disabled")
	}

	// Dispatcher with per-request sink routing
	sink := api.NewSwitchSink()
	dispatcher := sandbox.New(sink, compiler.NewESBuild(), registry, coordinator, metrics, tracer)

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, dispatcher, sink, registry, coordinator, db, auditWriter, metrics)

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

		dispatcher.Destroy()

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Strs("languages", registry.Languages()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
