package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr             string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	TelemetrySubject string
	RateLimitPerMin  int
	StartupSeedItems bool
	StartupMigrate   bool
}

type WorkerConfig struct {
	DatabaseURL    string
	NATSURL        string
	TickEvery      time.Duration
	RelaxStep      int64
	RunOnce        bool
	StartupMigrate bool
}

type CLIConfig struct {
	APIBaseURL string
	PlayerID   string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("TOWNLET_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:             addr,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		NATSURL:          strings.TrimSpace(os.Getenv("NATS_URL")),
		TelemetrySubject: envDefault("TOWNLET_TELEMETRY_SUBJECT", "townlet.telemetry"),
		RateLimitPerMin:  envIntDefault("TOWNLET_RATE_LIMIT_PER_MIN", 120),
		StartupSeedItems: envBoolDefault("TOWNLET_STARTUP_SEED_ITEMS", true),
		StartupMigrate:   envBoolDefault("TOWNLET_STARTUP_MIGRATE", true),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		NATSURL:        strings.TrimSpace(os.Getenv("NATS_URL")),
		TickEvery:      envDurationDefault("TOWNLET_WORKER_TICK_EVERY", time.Minute),
		RelaxStep:      int64(envIntDefault("TOWNLET_PRICE_RELAX_STEP", 1)),
		RunOnce:        envBoolDefault("TOWNLET_WORKER_RUN_ONCE", false),
		StartupMigrate: envBoolDefault("TOWNLET_STARTUP_MIGRATE", false),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RelaxStep < 1 {
		cfg.RelaxStep = 1
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("TNL_API_BASE_URL", "http://localhost:8080"), "/"),
		PlayerID:   strings.TrimSpace(os.Getenv("TNL_PLAYER_ID")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
