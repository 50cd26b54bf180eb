package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"townlet/internal/config"
	"townlet/internal/db"
	"townlet/internal/gov"
	"townlet/internal/heist"
	"townlet/internal/market"
	"townlet/internal/obs"
	"townlet/internal/storage/postgres"
	"townlet/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
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

	metrics := obs.New(prometheus.NewRegistry())

	var emitter telemetry.Emitter = telemetry.NewLogEmitter(logger)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("townlet-worker"))
		if err != nil {
			logger.Error("nats connect failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		emitter = telemetry.NewNATSEmitter(nc, "")
	}

	marketSvc := market.NewService(store, emitter, metrics, logger)
	heistSvc := heist.NewService(pool, emitter, metrics, logger)
	govSvc := gov.NewService(pool, metrics, logger)

	tick := func(ctx context.Context) {
		if err := marketSvc.RunNormalizationTick(ctx, cfg.RelaxStep); err != nil {
			logger.Error("normalization tick failed", "err", err)
		}
		if n, err := heistSvc.ResolveDue(ctx); err != nil {
			logger.Error("heist sweep failed", "err", err)
		} else if n > 0 {
			logger.Info("heists resolved", "count", n)
		}
		if n, err := govSvc.CloseDueElections(ctx); err != nil {
			logger.Error("election sweep failed", "err", err)
		} else if n > 0 {
			logger.Info("elections closed", "count", n)
		}
		if _, err := govSvc.CloseDuePolicies(ctx); err != nil {
			logger.Error("policy sweep failed", "err", err)
		}
	}

	if cfg.RunOnce {
		tick(ctx)
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.TickEvery)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", cfg.TickEvery.String(), "relax_step", cfg.RelaxStep)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}
