package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipstash/importd/config"
	"github.com/clipstash/importd/internal/catalog"
	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/egress"
	"github.com/clipstash/importd/internal/fetch"
	"github.com/clipstash/importd/internal/health"
	"github.com/clipstash/importd/internal/infrastructure/postgres"
	redisinfra "github.com/clipstash/importd/internal/infrastructure/redis"
	ctxlog "github.com/clipstash/importd/internal/log"
	"github.com/clipstash/importd/internal/metrics"
	"github.com/clipstash/importd/internal/origin"
	"github.com/clipstash/importd/internal/recovery"
	httptransport "github.com/clipstash/importd/internal/transport/http"
	"github.com/clipstash/importd/internal/transport/http/handler"
	"github.com/clipstash/importd/internal/updater"
	"github.com/clipstash/importd/internal/usecase"
	"github.com/clipstash/importd/internal/watchdog"
	"github.com/clipstash/importd/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	kv, err := redisinfra.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		stop()
		log.Fatalf("redis: %v", err)
	}
	defer func() { _ = kv.Close() }()

	logger.Info("stores connected")

	// Repositories
	jobRepo := postgres.NewJobRepository(pool)
	attemptRepo := postgres.NewAttemptRepository(pool)
	mirrorRepo := redisinfra.NewMirrorRepository(kv)
	logRepo := redisinfra.NewJobLogRepository(kv)
	queueStateRepo := redisinfra.NewQueueStateRepository(kv)
	egressCache := redisinfra.NewEgressCache(kv)

	metrics.Register()
	checker := health.NewChecker(pool, redisinfra.PingAdapter{Client: kv}, logger, prometheus.DefaultRegisterer)

	// Recovery: reconcile leftovers from the previous process before any
	// new work is leased.
	mirror := recovery.NewMirror(mirrorRepo, logger)
	recovery.NewSweeper(mirrorRepo, jobRepo, logger).Sweep(ctx)

	// Outbound collaborators
	egressPool := egress.NewPool(cfg.EgressAdminURL, cfg.EgressAdminSecret, egressCache, logger)
	binUpdater := updater.New(
		cfg.DownloaderBinary,
		cfg.EgressAdminURL,
		cfg.EgressAdminSecret,
		cfg.DownloaderChannel,
		cfg.DownloaderAutoUpdate,
		time.Hour,
		logger,
	)
	originClient := origin.NewClient(origin.Config{
		BaseURL:    cfg.StorageBaseURL,
		Zone:       cfg.StorageZone,
		AccessKey:  cfg.StorageAccessKey,
		CDNBase:    cfg.CDNBaseURL,
		BufferSize: cfg.StreamBufferBytes(),
		MaxRetries: cfg.MaxRetryAttempts,
		Timeout:    cfg.UploadTimeout(),
	}, logger)
	catalogClient := catalog.NewClient(cfg.CatalogAPIURL, cfg.CatalogAPIKey, logger)

	fetchers := map[domain.SourceKind]fetch.Fetcher{
		domain.SourceURL: fetch.NewURLFetcher(
			cfg.TempDir, cfg.MaxFileSizeBytes(), cfg.DownloadTimeout(), logger),
		domain.SourceDrive: fetch.NewDriveFetcher(fetch.DriveCredentials{
			APIKey:       cfg.DriveAPIKey,
			ClientID:     cfg.DriveClientID,
			ClientSecret: cfg.DriveClientSecret,
			RefreshToken: cfg.DriveRefreshToken,
		}, cfg.TempDir, cfg.MaxFileSizeBytes(), cfg.DownloadTimeout(), logger),
		domain.SourcePlatform: fetch.NewPlatformFetcher(
			cfg.DownloaderBinary, cfg.TempDir, egressPool, binUpdater, logger),
		domain.SourceLocal: fetch.NewLocalFetcher(cfg.MaxFileSizeBytes(), logger),
	}

	registry := worker.NewCancelRegistry()
	imports := usecase.NewImportUsecase(jobRepo, attemptRepo, logRepo, queueStateRepo, registry, cfg.MaxRetryAttempts)

	pipeline := worker.New(
		jobRepo, attemptRepo, logRepo, queueStateRepo, mirror,
		fetchers, originClient, catalogClient, registry, logger,
		time.Duration(cfg.PollIntervalSec)*time.Second,
		time.Duration(cfg.JobTimeoutMS)*time.Millisecond,
		cfg.WorkerCount,
	)
	go pipeline.Start(ctx)

	reaper := worker.NewReaper(jobRepo, logger)
	go reaper.Start(ctx)

	memWatch := watchdog.NewMemory(cfg.MaxHeapMB, logger)
	go memWatch.Start(ctx)

	// Periodic maintenance: terminal-job GC plus the downloader update
	// schedule from the control plane configuration.
	janitor := worker.NewJanitor(jobRepo, logger)
	schedule := cron.New()
	if _, err := schedule.AddFunc(fmt.Sprintf("@every %s", cfg.CleanupInterval()), func() {
		janitor.Run(ctx)
	}); err != nil {
		stop()
		log.Fatalf("cleanup schedule: %v", err)
	}
	if _, err := schedule.AddFunc(cfg.DownloaderUpdateFreq, func() {
		if err := binUpdater.EnsureFresh(ctx); err != nil {
			logger.Warn("scheduled downloader update failed", "error", err)
		}
	}); err != nil {
		stop()
		log.Fatalf("update schedule: %v", err)
	}
	schedule.Start()
	defer schedule.Stop()

	importHandler := handler.NewImportHandler(imports, logger)
	queueHandler := handler.NewQueueHandler(imports, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, importHandler, queueHandler, []byte(cfg.JWTSecret)),
	}
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	// Workers mark their in-flight jobs stalled on the way out; the next
	// startup sweep re-arms them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	select {
	case <-pipeline.Stopped():
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out waiting for in-flight imports")
	}

	logger.Info("importd shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
