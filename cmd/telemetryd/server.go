package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rcourtman/telemetry-control/internal/api"
	"github.com/rcourtman/telemetry-control/internal/config"
	"github.com/rcourtman/telemetry-control/internal/cost"
	"github.com/rcourtman/telemetry-control/internal/kvstore"
	"github.com/rcourtman/telemetry-control/internal/logging"
	"github.com/rcourtman/telemetry-control/internal/notifications"
	"github.com/rcourtman/telemetry-control/internal/rollout"
	"github.com/rcourtman/telemetry-control/internal/telemetry"
	"github.com/rcourtman/telemetry-control/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

// app holds every long-lived component of the server.
type app struct {
	cfg        *config.Config
	store      kvstore.Store
	buffer     *telemetry.Buffer
	flags      *rollout.Service
	watcher    *rollout.FileWatcher
	monitor    *cost.Monitor
	hub        *websocket.Hub
	dispatcher *notifications.Dispatcher
	handler    http.Handler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	logger := logging.Component("lifecycle")

	store, err := kvstore.Open(ctx, cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	prices := cost.DefaultPriceTable()
	if cfg.Cost.PricingFile != "" {
		if prices, err = cost.LoadPriceTable(cfg.Cost.PricingFile); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	var sink telemetry.Sink = telemetry.LogSink{}
	if cfg.Telemetry.SinkURL != "" {
		sink = telemetry.NewHTTPSink(cfg.Telemetry.SinkURL, nil, nil)
	}
	bufCfg := telemetry.DefaultConfig()
	bufCfg.Enabled = cfg.Telemetry.Enabled
	bufCfg.BatchSize = cfg.Telemetry.BatchSize
	bufCfg.FlushInterval = cfg.Telemetry.FlushInterval
	bufCfg.MaxRetries = cfg.Telemetry.MaxRetries
	bufCfg.RetryBaseDelay = cfg.Telemetry.RetryBaseDelay
	a.buffer = telemetry.New(bufCfg, sink)

	var source rollout.Source
	switch {
	case cfg.Flags.URL != "":
		httpSource, err := rollout.NewHTTPSource(cfg.Flags.URL, cfg.Flags.Token)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		source = httpSource
	case cfg.Flags.File != "":
		source = rollout.NewFileSource(cfg.Flags.File)
	}
	a.flags = rollout.NewService(rollout.ServiceConfig{Source: source, TTL: cfg.Flags.TTL})
	if cfg.Flags.File != "" {
		if a.watcher, err = rollout.NewFileWatcher(cfg.Flags.File, a.flags.Refresh); err != nil {
			logger.Warn().Err(err).Str("file", cfg.Flags.File).Msg("Flag file watching unavailable; relying on periodic refresh")
		}
	}

	a.hub = websocket.NewHub(websocket.DefaultBacklog, cfg.AllowedOrigins)

	var senders []notifications.Sender
	if cfg.Email.Enabled() {
		senders = append(senders, notifications.NewEmailSender(cfg.Email))
	}
	for _, hook := range cfg.Webhooks {
		senders = append(senders, notifications.NewWebhookSender(hook, notifications.WebhookOptions{}))
	}
	a.dispatcher = notifications.NewDispatcher(a.hub, senders...)

	a.monitor = cost.NewMonitor(cost.Config{
		Prices: prices,
		Thresholds: cost.Thresholds{
			Daily:   cfg.Cost.DailyLimit,
			Weekly:  cfg.Cost.WeeklyLimit,
			Monthly: cfg.Cost.MonthlyLimit,
		},
		Cooldown:      cfg.Cost.Cooldown,
		RetentionDays: cfg.Cost.RetentionDays,
		Store:         store,
		Notifier:      a.dispatcher,
	})
	if err := a.monitor.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore cost history; starting empty")
	}

	a.handler = api.NewRouter(api.Deps{
		Telemetry:   a.buffer,
		Flags:       a.flags,
		Cost:        a.monitor,
		Hub:         a.hub,
		IngestRate:  rate.Limit(cfg.Telemetry.IngestRate),
		IngestBurst: cfg.Telemetry.IngestBurst,
		Version:     Version,
	})

	logger.Info().
		Str("store", cfg.StoreURL).
		Str("pricing_version", prices.Version).
		Strs("alert_channels", a.dispatcher.Senders()).
		Bool("telemetry_enabled", cfg.Telemetry.Enabled).
		Msg("Components initialised")
	return a, nil
}

func (a *app) start(ctx context.Context) {
	a.buffer.Start()
	a.flags.Start(ctx)
	if a.watcher != nil {
		a.watcher.Start()
	}
}

// shutdown stops components in dependency order: inputs first, then the
// buffer and monitor flushes, then the store they write to.
func (a *app) shutdown(ctx context.Context) {
	logger := logging.Component("lifecycle")
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.flags.Stop()
	a.buffer.Destroy(ctx)
	if err := a.monitor.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to persist cost history on shutdown")
	}
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close store")
	}
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Baseline logging for startup messages before configuration is known.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "telemetryd",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Component:  "telemetryd",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting telemetryd")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startMetricsServer(serveCtx, cfg.MetricsAddr)
	a.start(serveCtx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	cancel()
	a.shutdown(shutdownCtx)

	log.Info().Msg("Server stopped")
	return serveErr
}
