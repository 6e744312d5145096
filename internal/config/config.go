// Package config loads server configuration from the environment. A local
// .env file is honored in development; real deployments set the variables
// directly.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable for the chat server binary.
type Config struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	ServerName   string `envconfig:"SERVER_NAME"`
	ClientOrigin string `envconfig:"CLIENT_ORIGIN" default:"http://localhost:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NatsURL     string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
}

// Load reads the optional .env file and populates a Config from the
// environment. Missing required variables fail loading.
func Load() (*Config, error) {
	// Absence of .env is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
