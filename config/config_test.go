package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/importd")
	t.Setenv("STORAGE_ZONE", "vods")
	t.Setenv("STORAGE_ACCESS_KEY", "key")
	t.Setenv("CDN_BASE_URL", "https://cdn.example.com")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.WorkerCount != 5 {
		t.Errorf("worker count = %d, want 5", cfg.WorkerCount)
	}
	if cfg.MaxRetryAttempts != 3 {
		t.Errorf("max retry attempts = %d, want 3", cfg.MaxRetryAttempts)
	}
	if cfg.DownloadTimeout() != 2*time.Hour {
		t.Errorf("download timeout = %s, want 2h", cfg.DownloadTimeout())
	}
	if cfg.UploadTimeout() != 4*time.Hour {
		t.Errorf("upload timeout = %s, want 2x download", cfg.UploadTimeout())
	}
	if cfg.MaxFileSizeBytes() != 5120*1024*1024 {
		t.Errorf("max file size = %d", cfg.MaxFileSizeBytes())
	}
	if cfg.StreamBufferBytes() != 8*1024 {
		t.Errorf("stream buffer = %d, want 8KiB", cfg.StreamBufferBytes())
	}
	if cfg.DownloaderChannel != "stable" {
		t.Errorf("downloader channel = %q", cfg.DownloaderChannel)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("missing required vars accepted")
	}
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatal("short jwt secret accepted")
	}
}

func TestLoadRejectsOversizedBuffer(t *testing.T) {
	setRequired(t)
	t.Setenv("STREAM_BUFFER_SIZE_KB", "64")

	if _, err := Load(); err == nil {
		t.Fatal("buffer above the memory budget accepted")
	}
}

func TestSlogLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Fatalf("level = %s", cfg.SlogLevel())
	}
}
