package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr   string `env:"HTTP_ADDR" envDefault:":8080"`
	AppEnv string `env:"APP_ENV" envDefault:"production"`

	DBDSN     string `env:"DB_DSN,notEmpty"`
	JWTSecret string `env:"JWT_SECRET,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Attachment bucket. Uploads are disabled when bucket or credentials are empty.
	S3Bucket        string `env:"S3_BUCKET"`
	S3Region        string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint      string `env:"S3_ENDPOINT"`
	S3AccessKeyID   string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey     string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle  bool   `env:"S3_USE_PATH_STYLE" envDefault:"false"`
	S3PublicBaseURL string `env:"S3_PUBLIC_BASE_URL"`

	MaxAttachmentBytes int64 `env:"MAX_ATTACHMENT_BYTES" envDefault:"26214400"`

	PresenceDebounce        time.Duration `env:"PRESENCE_DEBOUNCE" envDefault:"1s"`
	PresenceRefreshInterval time.Duration `env:"PRESENCE_REFRESH_INTERVAL" envDefault:"60s"`
	PresenceHeartbeat       time.Duration `env:"PRESENCE_HEARTBEAT" envDefault:"30s"`
	PresenceStaleMargin     time.Duration `env:"PRESENCE_STALE_MARGIN" envDefault:"30s"`
	PresenceConnectDelay    time.Duration `env:"PRESENCE_CONNECT_DELAY" envDefault:"500ms"`

	ThreadCacheSize int `env:"THREAD_CACHE_SIZE" envDefault:"256"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.AppEnv = normalizeEnv(cfg.AppEnv)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if cfg.MaxAttachmentBytes <= 0 {
		return nil, fmt.Errorf("MAX_ATTACHMENT_BYTES must be positive")
	}
	if cfg.PresenceDebounce <= 0 || cfg.PresenceRefreshInterval <= 0 {
		return nil, fmt.Errorf("presence intervals must be positive")
	}
	return cfg, nil
}

// StorageEnabled reports whether attachment uploads can be served.
func (c *Config) StorageEnabled() bool {
	return strings.TrimSpace(c.S3Bucket) != "" &&
		strings.TrimSpace(c.S3AccessKeyID) != "" &&
		strings.TrimSpace(c.S3SecretKey) != ""
}

// StaleAfter is how old a presence heartbeat may get before the user counts as offline.
func (c *Config) StaleAfter() time.Duration {
	return c.PresenceHeartbeat + c.PresenceStaleMargin
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
