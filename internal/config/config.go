// Package config loads server settings from environment variables with
// production defaults. cmd/server optionally reads a .env file into the
// environment first.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server settings.
type Config struct {
	// Socket server.
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// REST API.
	APIAddr        string
	AllowedOrigins []string

	// Metrics endpoint.
	MetricsAddr string

	// Backing services.
	RedisAddr   string
	PostgresDSN string
	NATSURL     string
}

// Load builds a Config from the environment, falling back to defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     envString("LISTEN_ADDR", ":8080"),
		WorkerPoolSize: envInt("WORKER_POOL_SIZE", 256),
		MaxConnections: envInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:    envDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   envDuration("WRITE_TIMEOUT", 10*time.Second),
		APIAddr:        envString("API_ADDR", ":8081"),
		MetricsAddr:    envString("METRICS_ADDR", ":9100"),
		RedisAddr:      envString("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:    envString("POSTGRES_DSN", "postgres://localhost:5432/parley?sslmode=disable"),
		NATSURL:        envString("NATS_URL", "nats://localhost:4222"),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
