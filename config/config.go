package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port     string `env:"PORT" envDefault:"3001" validate:"required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	// Origin storage.
	StorageZone      string `env:"STORAGE_ZONE,required" validate:"required"`
	StorageAccessKey string `env:"STORAGE_ACCESS_KEY,required" validate:"required"`
	StorageBaseURL   string `env:"STORAGE_BASE_URL" envDefault:"https://storage.bunnycdn.com"`
	CDNBaseURL       string `env:"CDN_BASE_URL,required" validate:"required"`

	// Import pipeline.
	WorkerCount       int    `env:"WORKER_COUNT" envDefault:"5" validate:"min=1,max=50"`
	PollIntervalSec   int    `env:"POLL_INTERVAL_SEC" envDefault:"1" validate:"min=1,max=60"`
	MaxRetryAttempts  int    `env:"MAX_RETRY_ATTEMPTS" envDefault:"3" validate:"min=1,max=10"`
	JobTimeoutMS      int    `env:"JOB_TIMEOUT_MS" envDefault:"7200000"`
	DownloadTimeoutMS int    `env:"DOWNLOAD_TIMEOUT_MS" envDefault:"7200000"`
	CleanupIntervalMS int    `env:"CLEANUP_INTERVAL_MS" envDefault:"3600000"`
	MaxFileSizeMB     int64  `env:"MAX_FILE_SIZE_MB" envDefault:"5120"`
	MaxHeapMB         int    `env:"MAX_OLD_SPACE_SIZE_MB" envDefault:"4096"`
	StreamBufferKB    int    `env:"STREAM_BUFFER_SIZE_KB" envDefault:"8" validate:"min=1,max=8"`
	TempDir           string `env:"TEMP_DIR" envDefault:"/tmp/importd"`
	UploadPathPrefix  string `env:"UPLOAD_PATH_PREFIX" envDefault:"/files"`

	// Front door. Rate limiting is enforced upstream; the window/max knobs
	// are recognized so shared deployments can pass one env set everywhere.
	JWTSecret       string `env:"JWT_SECRET,required" validate:"required,min=32"`
	AuthUser        string `env:"AUTH_USER"`
	AuthPass        string `env:"AUTH_PASS"`
	RateLimitWindow int    `env:"RATE_LIMIT_WINDOW_MS" envDefault:"60000"`
	RateLimitMax    int    `env:"RATE_LIMIT_MAX" envDefault:"100"`

	// Cloud drive credentials. Refresh-token mode wins when the OAuth triple
	// is complete, then API key, then unauthenticated.
	DriveAPIKey       string `env:"DRIVE_API_KEY"`
	DriveClientID     string `env:"DRIVE_CLIENT_ID"`
	DriveClientSecret string `env:"DRIVE_CLIENT_SECRET"`
	DriveRefreshToken string `env:"DRIVE_REFRESH_TOKEN"`

	// Catalog service.
	CatalogAPIURL string `env:"CATALOG_API_URL" validate:"omitempty,url"`
	CatalogAPIKey string `env:"CATALOG_API_KEY"`

	// Egress identity admin.
	EgressAdminURL    string `env:"EGRESS_ADMIN_URL" validate:"omitempty,url"`
	EgressAdminSecret string `env:"EGRESS_ADMIN_SECRET"`

	// External downloader binary and its control plane.
	DownloaderBinary     string `env:"DOWNLOADER_BINARY" envDefault:"yt-dlp"`
	DownloaderChannel    string `env:"DOWNLOADER_CHANNEL" envDefault:"stable" validate:"oneof=stable nightly master"`
	DownloaderAutoUpdate bool   `env:"DOWNLOADER_AUTO_UPDATE" envDefault:"true"`
	DownloaderUpdateFreq string `env:"DOWNLOADER_UPDATE_FREQUENCY" envDefault:"@daily"`

	// Optional observability hooks, consumed by external transports.
	ErrorTrackerDSN string `env:"ERROR_TRACKER_DSN"`
	NotifyBotToken  string `env:"NOTIFY_BOT_TOKEN"`
	NotifyBotChatID string `env:"NOTIFY_BOT_CHAT_ID"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutMS) * time.Millisecond
}

// UploadTimeout is twice the download timeout: origin PUTs move the same
// bytes but cannot resume.
func (c *Config) UploadTimeout() time.Duration {
	return 2 * c.DownloadTimeout()
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMS) * time.Millisecond
}

func (c *Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

func (c *Config) StreamBufferBytes() int {
	return c.StreamBufferKB * 1024
}
