// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"memory"`
	QueueURL    string `env:"QUEUE_URL"    envDefault:"memory://"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogPretty   bool   `env:"LOG_PRETTY"   envDefault:"false"`

	EmailProvider       string `env:"EMAIL_PROVIDER"        envDefault:"mock"`
	ResendAPIKey        string `env:"RESEND_API_KEY"`
	PostmarkServerToken string `env:"POSTMARK_SERVER_TOKEN"`
	EmailFrom           string `env:"EMAIL_FROM"            envDefault:"campaigns@example.com"`
	EmailReplyTo        string `env:"EMAIL_REPLY_TO"`
	TrackingBaseURL     string `env:"TRACKING_BASE_URL"     envDefault:"http://localhost:8080"`
	TrackingSecret      string `env:"TRACKING_SECRET"`

	BatchSize       int           `env:"BATCH_SIZE"        envDefault:"10"`
	BatchDelay      time.Duration `env:"BATCH_DELAY"       envDefault:"1s"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT"      envDefault:"10s"`
	SendMaxAttempts int           `env:"SEND_MAX_ATTEMPTS" envDefault:"3"`
	SendBackoff     time.Duration `env:"SEND_BACKOFF"      envDefault:"500ms"`

	RecoveryInterval   time.Duration `env:"RECOVERY_INTERVAL"    envDefault:"1m"`
	RecoveryMaxRetries int           `env:"RECOVERY_MAX_RETRIES" envDefault:"3"`

	StatsDrainInterval time.Duration `env:"STATS_DRAIN_INTERVAL" envDefault:"2s"`
	StatsDrainBatch    int           `env:"STATS_DRAIN_BATCH"    envDefault:"100"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file, then parses the environment into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	if cfg.SendMaxAttempts <= 0 {
		return nil, fmt.Errorf("SEND_MAX_ATTEMPTS must be positive, got %d", cfg.SendMaxAttempts)
	}
	if cfg.TrackingSecret == "" {
		if !cfg.InMemoryStore() {
			return nil, fmt.Errorf("TRACKING_SECRET is required with DATABASE_URL set")
		}
		cfg.TrackingSecret = DevTrackingSecret
	}
	return cfg, nil
}

// DevTrackingSecret signs click links when the service runs fully in memory.
const DevTrackingSecret = "dev-tracking-secret"

// InMemoryStore reports whether persistence should stay in process.
func (c *Config) InMemoryStore() bool {
	return c.DatabaseURL == "" || c.DatabaseURL == "memory"
}

// InMemoryQueue reports whether jobs stay in process, in which case the API
// process also has to run the workers.
func (c *Config) InMemoryQueue() bool {
	return c.QueueURL == "" || c.QueueURL == "memory" || strings.HasPrefix(c.QueueURL, "memory://")
}
