package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/fetch"
	"github.com/clipstash/importd/internal/metrics"
	"github.com/clipstash/importd/internal/progress"
	"github.com/clipstash/importd/internal/recovery"
	"github.com/clipstash/importd/internal/repository"
	"github.com/clipstash/importd/internal/requestid"
	"github.com/google/uuid"
)

const heartbeatInterval = 30 * time.Second

// Uploader is the origin client surface the worker needs.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string, onProgress progress.Func) (string, error)
	VerifyCDNAccess(ctx context.Context, objectName string) bool
}

// CatalogNotifier delivers terminal outcomes to the external catalog.
// Failures never affect the job outcome.
type CatalogNotifier interface {
	Enabled() bool
	CreateVideo(ctx context.Context, apiKey, name, sourceLink, importJobID string) error
	UpdateSourceLink(ctx context.Context, apiKey, catalogID, sourceLink, importJobID string) error
	ReportImportSuccess(ctx context.Context, apiKey, catalogID, sourceLink, importJobID string) error
	ReportImportFailure(ctx context.Context, apiKey, catalogID, errMsg, sourceURL string, retryCount int) error
}

type Worker struct {
	id         string
	jobs       repository.JobRepository
	attempts   repository.AttemptRepository
	logs       repository.JobLogRepository
	queueState repository.QueueStateRepository
	mirror     *recovery.Mirror
	fetchers   map[domain.SourceKind]fetch.Fetcher
	uploader   Uploader
	catalog    CatalogNotifier
	registry   *CancelRegistry
	logger     *slog.Logger

	pollInterval time.Duration
	jobTimeout   time.Duration
	concurrency  int
	sem          chan struct{}
	wg           sync.WaitGroup
	done         chan struct{}
}

func New(
	jobs repository.JobRepository,
	attempts repository.AttemptRepository,
	logs repository.JobLogRepository,
	queueState repository.QueueStateRepository,
	mirror *recovery.Mirror,
	fetchers map[domain.SourceKind]fetch.Fetcher,
	uploader Uploader,
	catalog CatalogNotifier,
	registry *CancelRegistry,
	logger *slog.Logger,
	pollInterval time.Duration,
	jobTimeout time.Duration,
	concurrency int,
) *Worker {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	return &Worker{
		id:           id,
		jobs:         jobs,
		attempts:     attempts,
		logs:         logs,
		queueState:   queueState,
		mirror:       mirror,
		fetchers:     fetchers,
		uploader:     uploader,
		catalog:      catalog,
		registry:     registry,
		logger:       logger.With("worker_id", id),
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		concurrency:  concurrency,
		sem:          make(chan struct{}, concurrency),
		done:         make(chan struct{}),
	}
}

// Stopped is closed once Start has returned, with every in-flight job
// accounted for in the recovery mirror.
func (w *Worker) Stopped() <-chan struct{} { return w.done }

func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", "concurrency", w.concurrency)

	for {
		select {
		case <-ctx.Done():
			// In-flight jobs mark themselves stalled on the way out; wait so
			// the mirror is consistent before the process exits.
			w.wg.Wait()
			w.logger.Info("worker shut down")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	available := cap(w.sem) - len(w.sem)
	if available == 0 {
		return
	}

	if paused, err := w.queueState.IsPaused(ctx); err != nil {
		w.logger.Error("read queue pause state", "error", err)
		return
	} else if paused {
		return
	}

	jobs, err := w.jobs.Lease(ctx, w.id, available)
	if err != nil {
		w.logger.Error("lease jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	w.logger.Info("leased jobs", "count", len(jobs), "slots_used", len(w.sem)+len(jobs), "slots_total", cap(w.sem))

	for _, job := range jobs {
		w.sem <- struct{}{}
		w.wg.Add(1)
		go func(j *domain.Job) {
			metrics.JobsInFlight.Inc()
			defer metrics.JobsInFlight.Dec()
			defer func() { <-w.sem }()
			defer w.wg.Done()
			w.runJob(ctx, j)
		}(job)
	}
}

func (w *Worker) runJob(parent context.Context, job *domain.Job) {
	metrics.JobPickupLatency.Observe(time.Since(job.EnqueuedAt).Seconds())
	startedAt := time.Now()

	jobCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	w.registry.Register(job.ID, cancel)
	defer w.registry.Unregister(job.ID)

	runCtx, cancelTimeout := context.WithTimeout(jobCtx, w.jobTimeout)
	defer cancelTimeout()
	ctx := requestid.WithJobID(runCtx, job.ID)

	w.mirror.Open(ctx, job)
	_ = w.logs.Append(ctx, job.ID, fmt.Sprintf("attempt %d started on %s", job.AttemptsMade+1, w.id))

	// Open the attempt record before executing so a worker crash leaves a
	// visible incomplete entry in the history.
	attempt, err := w.attempts.CreateAttempt(ctx, &domain.JobAttempt{
		JobID:      job.ID,
		AttemptNum: job.AttemptsMade + 1,
		WorkerID:   w.id,
		StartedAt:  startedAt,
	})
	if err != nil {
		// If the DB rejects this write, the terminal writes will fail too.
		// Leave the job active; the stall accounting re-queues it.
		w.logger.Error("create attempt record, aborting run", "job_id", job.ID, "error", err)
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(parent)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, job.ID)

	w.logger.Info("executing import", "job_id", job.ID, "kind", job.SourceKind, "attempt", job.AttemptsMade+1)

	rv, runErr := w.runPipeline(ctx, job)
	durationMS := time.Since(startedAt).Milliseconds()
	stopHeartbeat()

	// Terminal writes happen even when the job context is gone.
	finishCtx := requestid.WithJobID(context.WithoutCancel(ctx), job.ID)

	if runErr == nil {
		w.closeAttempt(finishCtx, attempt, nil, nil, durationMS)
		if err := w.jobs.Complete(finishCtx, job.ID, rv); err != nil {
			w.logger.Error("mark job complete", "job_id", job.ID, "error", err)
		}
		_ = w.logs.Append(finishCtx, job.ID, fmt.Sprintf("completed: %s", rv.CDNURL))
		w.mirror.Release(finishCtx, job.ID, false)
		metrics.JobDuration.WithLabelValues("success").Observe(time.Since(startedAt).Seconds())
		metrics.JobsCompletedTotal.WithLabelValues("success").Inc()
		w.logger.Info("import completed", "job_id", job.ID, "cdn_url", rv.CDNURL, "size", rv.Size)
		w.notifySuccess(finishCtx, job, rv)
		return
	}

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, domain.ErrManualKill):
		w.closeAttempt(finishCtx, attempt, kindPtr(domain.KindManualKill), strPtr(domain.ErrManualKill.Error()), durationMS)
		if err := w.jobs.FailTerminal(finishCtx, job.ID, domain.ErrManualKill.Error()); err != nil {
			w.logger.Error("mark job killed", "job_id", job.ID, "error", err)
		}
		_ = w.logs.Append(finishCtx, job.ID, "manually killed")
		w.mirror.Release(finishCtx, job.ID, false)
		metrics.JobsCompletedTotal.WithLabelValues("killed").Inc()
		w.logger.Warn("import manually killed", "job_id", job.ID)
		// The catalog is deliberately not notified for manual kills.
		return

	case errors.Is(cause, context.Canceled) && parent.Err() != nil:
		// Process shutdown: leave the job active in the queue, flag the
		// mirror so the next startup sweep re-arms it, keep the temp files
		// for that sweep to reclaim.
		w.closeAttempt(finishCtx, attempt, kindPtr(domain.KindSourceUnavailable), strPtr("interrupted by shutdown"), durationMS)
		w.mirror.MarkStalled(finishCtx, job.ID)
		w.logger.Warn("import interrupted by shutdown", "job_id", job.ID)
		return
	}

	kind := domain.KindOf(runErr)
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = domain.KindChildTimeout
		runErr = domain.NewImportError(kind, "job timeout exceeded", nil)
	}
	reason := runErr.Error()
	w.closeAttempt(finishCtx, attempt, kindPtr(kind), &reason, durationMS)
	metrics.JobDuration.WithLabelValues("failure").Observe(time.Since(startedAt).Seconds())

	if kind.Retryable() && job.AttemptsMade+1 < job.MaxAttempts {
		retryAt := time.Now().Add(retryDelay(job.AttemptsMade))
		if err := w.jobs.Reschedule(finishCtx, job.ID, reason, retryAt); err != nil {
			w.logger.Error("reschedule job", "job_id", job.ID, "error", err)
		}
		_ = w.logs.Append(finishCtx, job.ID, fmt.Sprintf("attempt %d failed (%s), retry at %s", job.AttemptsMade+1, kind, retryAt.Format(time.RFC3339)))
		w.mirror.Release(finishCtx, job.ID, false)
		metrics.JobsCompletedTotal.WithLabelValues("retry").Inc()
		w.logger.Warn("import failed, will retry",
			"job_id", job.ID, "kind", kind, "error", reason,
			"attempt", job.AttemptsMade+1, "max_attempts", job.MaxAttempts, "retry_at", retryAt)
		return
	}

	if err := w.jobs.FailTerminal(finishCtx, job.ID, reason); err != nil {
		w.logger.Error("mark job failed", "job_id", job.ID, "error", err)
	}
	_ = w.logs.Append(finishCtx, job.ID, fmt.Sprintf("permanently failed (%s): %s", kind, reason))
	w.mirror.Release(finishCtx, job.ID, true)
	metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
	w.logger.Warn("import permanently failed", "job_id", job.ID, "kind", kind, "error", reason)
	w.notifyFailure(finishCtx, job, reason)
}

// runPipeline executes download, upload, cleanup for one attempt. It checks
// for cancellation between stages so kills land deterministically.
func (w *Worker) runPipeline(ctx context.Context, job *domain.Job) (*domain.ReturnValue, error) {
	tracker := newProgressTracker(ctx, w, job.ID)

	tracker.emit(domain.Progress{Stage: domain.StageDownloading, Percentage: 0, Message: "Starting download..."})

	fetcher, ok := w.fetchers[job.SourceKind]
	if !ok {
		return nil, domain.NewImportError(domain.KindPermanentFailure,
			fmt.Sprintf("unsupported source type %q", job.SourceKind), nil)
	}

	fetchStart := time.Now()
	result, err := fetcher.Fetch(ctx, fetch.Request{
		JobID:     job.ID,
		SourceRef: job.SourceRef,
		FileName:  deref(job.FileName),
		Progress:  tracker.emit,
		RegisterTemp: func(path string) {
			w.mirror.RegisterTemp(ctx, job.ID, path)
		},
		EgressLog: tracker.addEgressAttempt,
	})
	if err != nil {
		return nil, err
	}
	metrics.DownloadDuration.WithLabelValues(string(job.SourceKind)).Observe(time.Since(fetchStart).Seconds())

	if err := context.Cause(ctx); err != nil {
		return nil, err
	}

	objectName := buildObjectName(result.FileName)
	tracker.emit(domain.Progress{Stage: domain.StageUploading, Percentage: 0, Message: "Starting upload"})

	uploadStart := time.Now()
	cdnURL, err := w.uploader.Upload(ctx, result.LocalPath, objectName, tracker.emit)
	if err != nil {
		return nil, err
	}
	metrics.UploadDuration.Observe(time.Since(uploadStart).Seconds())
	metrics.BytesImported.Add(float64(result.Size))

	if !w.uploader.VerifyCDNAccess(ctx, objectName) {
		w.logger.Warn("cdn access not verified", "job_id", job.ID, "object", objectName)
	}

	tracker.emit(domain.Progress{Stage: domain.StageCleanup, Percentage: 100, Message: "Cleaning up"})

	return &domain.ReturnValue{
		CDNURL:         cdnURL,
		FileName:       result.FileName,
		Size:           result.Size,
		AttemptsMade:   job.AttemptsMade,
		EgressAttempts: tracker.egressAttempts(),
	}, nil
}

func (w *Worker) notifySuccess(ctx context.Context, job *domain.Job, rv *domain.ReturnValue) {
	if !w.catalog.Enabled() {
		return
	}
	apiKey := deref(job.APIKey)

	var err error
	switch {
	case job.CatalogID == nil:
		err = w.catalog.CreateVideo(ctx, apiKey, rv.FileName, rv.CDNURL, job.ID)
	case job.AttemptsMade == 0:
		err = w.catalog.UpdateSourceLink(ctx, apiKey, *job.CatalogID, rv.CDNURL, job.ID)
	default:
		err = w.catalog.ReportImportSuccess(ctx, apiKey, *job.CatalogID, rv.CDNURL, job.ID)
	}
	if err != nil {
		metrics.WebhookFailuresTotal.Inc()
	}
}

func (w *Worker) notifyFailure(ctx context.Context, job *domain.Job, reason string) {
	if !w.catalog.Enabled() || job.CatalogID == nil {
		return
	}
	err := w.catalog.ReportImportFailure(ctx, deref(job.APIKey), *job.CatalogID, reason, job.SourceRef, job.AttemptsMade)
	if err != nil {
		metrics.WebhookFailuresTotal.Inc()
	}
}

func (w *Worker) closeAttempt(ctx context.Context, attempt *domain.JobAttempt, kind *string, errMsg *string, durationMS int64) {
	if err := w.attempts.CompleteAttempt(ctx, attempt.ID, kind, errMsg, durationMS); err != nil {
		w.logger.Error("complete attempt record", "job_id", attempt.JobID, "error", err)
	}
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
			w.mirror.Heartbeat(ctx, jobID)
		}
	}
}

// retryDelay implements base 5s doubling per prior attempt, capped at 30s.
func retryDelay(priorAttempts int) time.Duration {
	delay := 5 * time.Second
	for i := 0; i < priorAttempts; i++ {
		delay *= 2
		if delay >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return delay
}

// buildObjectName appends an 8-char nonce before the extension so concurrent
// imports of equally named files never collide on the origin.
func buildObjectName(fileName string) string {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(filepath.Base(fileName), ext)
	if base == "" || base == "." {
		base = "video"
	}
	n := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s%s", base, n, ext)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }

func kindPtr(k domain.ErrorKind) *string {
	s := string(k)
	return &s
}
