package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obot-platform/sandboxrelay/server/internal/codegen"
	"github.com/obot-platform/sandboxrelay/server/internal/config"
	"github.com/obot-platform/sandboxrelay/server/internal/database"
	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/executor"
	"github.com/obot-platform/sandboxrelay/server/internal/handler"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/metrics"
	"github.com/obot-platform/sandboxrelay/server/internal/middleware"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/agentrun"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/docker"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/mock"
	"github.com/obot-platform/sandboxrelay/server/internal/service"
	"github.com/obot-platform/sandboxrelay/server/internal/store"
	"github.com/obot-platform/sandboxrelay/server/internal/version"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logr.Close() }()

	if err := run(cfg, logr); err != nil {
		logr.Error("server exited with error", "error", err)
		_ = logr.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logr *logger.Logger) error {
	logr.Info("starting sandbox relay", "version", version.Get(), "port", cfg.Port, "provider", cfg.Sandbox.Provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reload the log level when the overlay file changes.
	if cfg.File != "" {
		go func() {
			err := config.Watch(ctx, cfg.File, func(next *config.Config) {
				logr.SetLevel(next.Log.Level)
				logr.Info("configuration reloaded", "file", cfg.File, "log_level", logr.Level())
			}, func(err error) {
				logr.Warn("failed to reload configuration", "file", cfg.File, "error", err)
			})
			if err != nil {
				logr.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	// Connect to database
	db, err := database.New(cfg, logr)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	logr.Info("running database migrations")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	s := store.New(db.DB)

	var m *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	provider, closeProvider, err := newProvider(cfg, logr)
	if err != nil {
		return err
	}
	defer closeProvider()

	registry := sandbox.NewRegistry(provider, sandbox.RegistryOptions{
		Adapter: sandbox.AdapterOptions{
			SynthesizeURLs: cfg.AgentRun.SynthesizeURL,
			AccountID:      cfg.AgentRun.AccountID,
			Region:         cfg.AgentRun.Region,
		},
		Logger:  logr,
		Metrics: m,
	})
	// Sandboxes are torn down on every exit path. Shutdown runs once, so the
	// signal path calling it first is fine.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		registry.Shutdown(ctx)
	}()

	logs := events.NewBroadcaster(events.BroadcasterOptions{
		Capacity: cfg.LogBufferCapacity,
		Logger:   logr,
		Metrics:  m,
	})
	chatHub := events.NewChatHub(logr)

	executors := executor.New(executor.Options{
		Timeout:   cfg.Executor.Timeout,
		RateLimit: cfg.Executor.RateLimit,
		Logger:    logr,
	})
	generator := codegen.New(codegen.Options{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Logger:      logr,
	})
	if cfg.LLM.APIKey == "" {
		logr.Warn("no LLM API key configured; code generation requests will be rejected upstream")
	}

	sandboxSvc := service.NewSandboxService(registry, logs, events.NewConfirmations(), s, executors, logr)
	chatSvc := service.NewChatService(s, registry, sandboxSvc, generator, executors, chatHub, service.ChatOptions{
		Template:           cfg.Sandbox.Template,
		IdleTimeoutSeconds: cfg.Sandbox.IdleTimeout,
		Logger:             logr,
		Metrics:            m,
	})

	monitor := service.NewLivenessMonitor(registry, logr, cfg.Sandbox.ProbeInterval)
	monitor.Start(ctx)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logr))
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	h := handler.New(handler.Options{
		ChatService:    chatSvc,
		SandboxService: sandboxSvc,
		ChatHub:        chatHub,
		Logger:         logr,
	})
	h.Routes(r)

	// Create server. No write timeout: websockets and chat turns are long-lived.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Websocket connections are hijacked and not tracked by Shutdown; closing
	// the hubs ends their handlers.
	srv.RegisterOnShutdown(func() {
		chatHub.Close()
		logs.Close()
	})

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	err = waitAndShutdown(logr, srv, srv.ListenAndServe, quit,
		func(ctx context.Context) {
			if err := monitor.Shutdown(ctx); err != nil {
				logr.Warn("liveness monitor shutdown incomplete", "error", err)
			}
		},
		func(context.Context) { chatSvc.Close() },
		registry.Shutdown,
	)
	cancel()

	logr.Info("server stopped")
	return err
}

// shutdownTimeout bounds the whole teardown after a signal.
const shutdownTimeout = 30 * time.Second

// waitAndShutdown runs serve until a signal arrives on quit or serve fails,
// then shuts srv down and runs teardown in order. Teardown runs on both
// paths. A second signal during shutdown is logged and ignored.
func waitAndShutdown(logr *logger.Logger, srv *http.Server, serve func() error, quit <-chan os.Signal, teardown ...func(context.Context)) error {
	serveErr := make(chan error, 1)
	go func() {
		logr.Info("server listening", "addr", srv.Addr)
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case sig := <-quit:
		logr.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("server failed: %w", err)
			logr.Error("shutting down after server failure", "error", err)
		}
	}

	go func() {
		for sig := range quit {
			logr.Warn("shutdown already in progress", "signal", sig.String())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logr.Warn("http server shutdown incomplete", "error", err)
	}
	for _, fn := range teardown {
		fn(ctx)
	}
	return runErr
}

// newProvider builds the configured sandbox backend. The returned close
// function releases backend resources.
func newProvider(cfg *config.Config, logr *logger.Logger) (sandbox.Provider, func(), error) {
	manager := sandbox.NewManager()
	closers := []func(){}

	if cfg.AgentRun.Endpoint != "" {
		p, err := agentrun.NewProvider(agentrun.OptionsFromConfig(cfg.AgentRun, logr))
		if err != nil {
			return nil, nil, fmt.Errorf("create agentrun provider: %w", err)
		}
		manager.RegisterProvider("agentrun", p)
	}

	if cfg.Sandbox.Provider == "docker" {
		p, err := docker.NewProvider(cfg.Docker, logr)
		if err != nil {
			return nil, nil, fmt.Errorf("create docker provider: %w", err)
		}
		manager.RegisterProvider("docker", p)
		closers = append(closers, func() { _ = p.Close() })
	}

	manager.RegisterProvider("mock", mock.NewProvider())
	manager.SetDefault(cfg.Sandbox.Provider)

	provider, err := manager.GetProvider("")
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox provider %q is not available (registered: %v): %w",
			cfg.Sandbox.Provider, manager.ListProviders(), err)
	}
	logr.Info("sandbox provider ready", "provider", cfg.Sandbox.Provider, "registered", manager.ListProviders())

	return provider, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
