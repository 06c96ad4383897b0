package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/config"
	"github.com/tributary-ai/traffic-router/internal/history"
	"github.com/tributary-ai/traffic-router/internal/narrator"
	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/providers/anthropic"
	"github.com/tributary-ai/traffic-router/internal/providers/openai"
	"github.com/tributary-ai/traffic-router/internal/providers/tomtom"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/routing"
	"github.com/tributary-ai/traffic-router/internal/server"
	"github.com/tributary-ai/traffic-router/internal/traffic"
)

// Application holds the wired components of one process
type Application struct {
	config   *config.Config
	router   *routing.Router
	analyzer *traffic.Analyzer
	recorder *history.Recorder
	store    resilience.WindowStore
	logger   *logrus.Logger
}

// NewApplication loads configuration and wires providers, executor, analyzer and router
func NewApplication(ctx context.Context, configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	app := &Application{config: cfg, logger: logger}
	clock := resilience.RealClock{}

	app.store, err = newWindowStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	executor := newExecutor(cfg, app.store, clock, logger)

	client := tomtom.NewClient(cfg.TomTom, logger)
	sampler := traffic.NewSampler(client, executor, logger,
		traffic.WithMargin(cfg.Traffic.Margin),
		traffic.WithMaxConcurrency(cfg.Traffic.MaxConcurrency),
	)
	app.analyzer = traffic.NewAnalyzer(sampler, clock, logger)

	backend := newNarrativeBackend(cfg, logger)
	narr := narrator.New(backend, executor, logger)

	app.recorder, err = newRecorder(ctx, cfg, clock, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.router, err = routing.NewRouter(routing.Dependencies{
		Routing:  client,
		Analyzer: app.analyzer,
		Narrator: narr,
		Executor: executor,
		History:  app.recorder,
		Clock:    clock,
	}, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	if checker, ok := backend.(providers.HealthChecker); ok {
		app.router.RegisterHealthChecker(backend.ProviderName(), checker)
	}

	logger.WithFields(logrus.Fields{
		"providers": cfg.GetEnabledProviders(),
		"narrator":  narr.Backend(),
	}).Info("Traffic router initialised")

	return app, nil
}

// Serve runs the HTTP server until a shutdown signal arrives
func (app *Application) Serve(ctx context.Context) error {
	srv, err := server.NewServer(app.router, app.config.ToServerConfig(), app.store, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go app.runHealthChecks(ctx)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := srv.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-ctx.Done():
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

func (app *Application) runHealthChecks(ctx context.Context) {
	period := app.config.Server.HealthCheckPeriod
	if period <= 0 {
		return
	}

	app.router.RefreshProviderHealth(ctx)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.router.RefreshProviderHealth(ctx)
		}
	}
}

// Close flushes history and releases the shared window store
func (app *Application) Close() {
	if app.recorder != nil {
		app.recorder.Stop()
	}
	if closer, ok := app.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close window store")
		}
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// newWindowStore returns the Redis store when configured, otherwise nil so limiters
// keep their counters in memory
func newWindowStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (resilience.WindowStore, error) {
	if cfg.Redis == nil || cfg.Redis.Addr == "" {
		return nil, nil
	}
	store, err := resilience.NewRedisWindowStore(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rate limit store: %w", err)
	}
	logger.WithField("addr", cfg.Redis.Addr).Info("Rate limit windows shared through Redis")
	return store, nil
}

func newExecutor(cfg *config.Config, store resilience.WindowStore, clock resilience.Clock, logger *logrus.Logger) *resilience.Executor {
	breakers := resilience.NewBreakerRegistry(cfg.Resilience.DefaultBreaker, clock, logger)
	for component, settings := range cfg.Resilience.Breakers {
		breakers.SetComponentSettings(component, settings)
	}

	opts := []resilience.ExecutorOption{
		resilience.WithClock(clock),
		resilience.WithDefaultRetryPolicy(cfg.Resilience.DefaultRetry),
	}
	for component, policy := range cfg.Resilience.Retry {
		opts = append(opts, resilience.WithRetryPolicy(component, policy))
	}
	for provider, limit := range cfg.Resilience.RateLimits {
		limiter := resilience.NewFixedWindowLimiter(provider, limit.Limit, limit.Window, clock, store, logger)
		opts = append(opts, resilience.WithLimiter(provider, limiter))
	}

	return resilience.NewExecutor(breakers, logger, opts...)
}

// newNarrativeBackend returns nil for the template backend
func newNarrativeBackend(cfg *config.Config, logger *logrus.Logger) providers.NarrativeProvider {
	switch cfg.Narrator.Backend {
	case narrator.BackendOpenAI:
		return openai.NewOpenAIProvider(cfg.Narrator.OpenAI, logger)
	case narrator.BackendAnthropic:
		return anthropic.NewAnthropicProvider(cfg.Narrator.Anthropic, logger)
	default:
		return nil
	}
}

// newRecorder builds the history recorder with the log sink plus any configured
// Postgres and AMQP sinks
func newRecorder(ctx context.Context, cfg *config.Config, clock resilience.Clock, logger *logrus.Logger) (*history.Recorder, error) {
	historyConfig := cfg.History
	if !historyConfig.Enabled {
		return history.NewRecorder(&historyConfig, logger, clock), nil
	}

	sinks := []history.Sink{history.NewLogSink(logger)}
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if historyConfig.Postgres.DSN != "" {
		pg, err := history.NewPostgresSink(ctx, historyConfig.Postgres)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create postgres history sink: %w", err)
		}
		sinks = append(sinks, pg)
	}
	if historyConfig.AMQP.URL != "" {
		mq, err := history.NewAMQPSink(historyConfig.AMQP)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create amqp history sink: %w", err)
		}
		sinks = append(sinks, mq)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.WithField("sinks", names).Info("Request history enabled")

	return history.NewRecorder(&historyConfig, logger, clock, sinks...), nil
}
