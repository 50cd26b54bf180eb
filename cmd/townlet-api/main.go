package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"townlet/internal/api"
	"townlet/internal/config"
	"townlet/internal/db"
	"townlet/internal/gov"
	"townlet/internal/heist"
	"townlet/internal/market"
	"townlet/internal/obs"
	"townlet/internal/ratelimit"
	"townlet/internal/storage/postgres"
	"townlet/internal/telemetry"
	"townlet/internal/town"
	"townlet/internal/ugc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.New(pool)
	if cfg.StartupMigrate {
		if err := store.Migrate(ctx); err != nil {
			logger.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := obs.New(registry)

	var emitter telemetry.Emitter = telemetry.NewLogEmitter(logger)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("townlet-api"))
		if err != nil {
			logger.Error("nats connect failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		emitter = telemetry.NewNATSEmitter(nc, cfg.TelemetrySubject)
		logger.Info("telemetry via nats", "url", cfg.NATSURL)
	}

	var limit func(http.Handler) http.Handler
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("parse redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		limit = ratelimit.New(rdb, cfg.RateLimitPerMin, time.Minute, logger).Middleware
		logger.Info("rate limiting enabled", "per_minute", cfg.RateLimitPerMin)
	}

	marketSvc := market.NewService(store, emitter, metrics, logger)
	if cfg.StartupSeedItems {
		if err := marketSvc.SeedDefaults(ctx); err != nil {
			logger.Error("seed items failed", "err", err)
			os.Exit(1)
		}
	}

	server := api.New(cfg, logger, api.Deps{
		Market:  marketSvc,
		Town:    town.NewService(pool, logger),
		Gov:     gov.NewService(pool, metrics, logger),
		Heist:   heist.NewService(pool, emitter, metrics, logger),
		UGC:     ugc.NewService(pool, emitter, logger),
		Limit:   limit,
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("townlet api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
