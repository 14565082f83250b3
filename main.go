package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"checkin/live/config"
	"checkin/live/database"
	"checkin/live/handlers"
	"checkin/live/httpserver"
	"checkin/live/metrics"
	"checkin/live/store"
	"checkin/live/utils"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	port := pflag.String("port", "", "listen port, overrides PORT")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	ctx := context.Background()

	if err := godotenv.Load(*envFile); err != nil {
		logger.Info(ctx, "no dotenv file loaded", slog.F("path", *envFile), slog.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(ctx, "load config", slog.Error(err))
	}
	if *port != "" {
		cfg.Port = *port
	}
	if cfg.GinMode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// --- Optional durable sinks ---
	batcherOpts := []store.BatcherOption{
		store.BatcherWithLogger(logger.Named("sink")),
		store.BatcherWithMetrics(m),
		store.BatcherWithFlushInterval(cfg.SinkFlushInterval),
		store.BatcherWithBatchSize(cfg.SinkBatchSize),
		store.BatcherWithMaxPending(cfg.SinkMaxPending),
	}
	var ready []handlers.Pinger

	if cfg.DatabaseURL != "" {
		dbClient, err := database.NewPostgresDB(ctx, logger.Named("postgres"), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal(ctx, "initialize postgres", slog.Error(err))
		}
		defer dbClient.Close()

		eventLog := store.NewEventLogStore(dbClient.DB, logger.Named("event_log"))
		if err := eventLog.EnsureSchema(ctx); err != nil {
			logger.Fatal(ctx, "ensure event log schema", slog.Error(err))
		}
		batcherOpts = append(batcherOpts, store.BatcherWithSink(eventLog, store.DiscreteEventsOnly))
		ready = append(ready, eventLog)
	} else {
		logger.Info(ctx, "DATABASE_URL not set, postgres event log disabled")
	}

	if cfg.ClickHouse.Enabled() {
		chClient, err := database.NewClickHouseDB(ctx, logger.Named("clickhouse"), cfg.ClickHouse)
		if err != nil {
			logger.Fatal(ctx, "initialize clickhouse", slog.Error(err))
		}
		defer chClient.Close()

		analytics := store.NewAnalyticsStore(chClient, logger.Named("analytics"))
		if err := analytics.EnsureSchema(ctx); err != nil {
			logger.Fatal(ctx, "ensure tracking_events schema", slog.Error(err))
		}
		batcherOpts = append(batcherOpts, store.BatcherWithSink(analytics, nil))
		ready = append(ready, analytics)
	} else {
		logger.Info(ctx, "CLICKHOUSE_HOST not set, clickhouse activity sink disabled")
	}

	batcher := store.NewSinkBatcher(batcherOpts...)

	// --- Live aggregator ---
	live := store.NewLiveStore(
		store.WithLiveLogger(logger.Named("live")),
		store.WithMetrics(m),
		store.WithSweepInterval(cfg.SweepInterval),
		store.WithPresenceTimeout(cfg.PresenceTimeout),
		store.WithActivityRetention(cfg.ActivityRetention),
	)
	live.Start(ctx)

	// --- Handlers ---
	verifier := utils.NewTokenVerifier(cfg.JWTSecret)
	issuer := utils.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	router := httpserver.NewRouter(httpserver.Deps{
		Log:      logger,
		FEOrigin: cfg.FEOrigin,
		Track:    handlers.NewTrackHandlers(live, batcher, logger.Named("track"), m),
		Live:     handlers.NewLiveHandlers(live, logger.Named("live")),
		Auth: handlers.NewAuthHandlers(handlers.AdminCredentials{
			Username:     cfg.AdminUsername,
			PasswordHash: []byte(cfg.AdminPasswordHash),
		}, issuer, logger.Named("auth")),
		Verifier: verifier,
		Gatherer: registry,
		Ready:    ready,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		logger.Info(ctx, "live tracking server starting", slog.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "server failed to start", slog.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "server forced to shutdown", slog.Error(err))
	}
	if err := live.Close(); err != nil {
		logger.Error(ctx, "stop live store", slog.Error(err))
	}
	if err := batcher.Close(); err != nil {
		logger.Error(ctx, "flush sinks", slog.Error(err))
	}

	logger.Info(ctx, "server exiting")
}
