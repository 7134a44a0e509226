package repository

import (
	"context"
	"time"

	"github.com/clipstash/importd/internal/domain"
)

type ListJobsInput struct {
	Statuses []domain.Status // empty = all statuses
	Page     int             // 1-based
	Limit    int
}

type StatusCounts map[domain.Status]int

// JobRepository is the durable queue. Every transition is persisted before
// it is acknowledged, so the queue survives process restarts.
type JobRepository interface {
	// Submit enqueues the job at waiting. If a job with the same id already
	// exists, in any state, it is returned unchanged and created is false.
	Submit(ctx context.Context, job *domain.Job) (j *domain.Job, created bool, err error)

	GetByID(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)
	CountsByStatus(ctx context.Context) (StatusCounts, error)
	Delete(ctx context.Context, id string) error

	// Lease atomically moves due waiting/delayed jobs to active and claims
	// them for workerID.
	Lease(ctx context.Context, workerID string, limit int) ([]*domain.Job, error)
	UpdateHeartbeat(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, p *domain.Progress) error
	Complete(ctx context.Context, jobID string, rv *domain.ReturnValue) error
	FailTerminal(ctx context.Context, jobID string, reason string) error
	// Reschedule re-arms a retryable failure: status delayed, attempts
	// incremented, runnable again at retryAt.
	Reschedule(ctx context.Context, jobID string, reason string, retryAt time.Time) error

	// Retry explicitly re-queues a non-active, non-completed job.
	Retry(ctx context.Context, jobID string) error

	// Stall accounting: observe bumps the stall counter on active jobs whose
	// heartbeat predates staleCutoff; jobs with at least maxStalled
	// observations are forced back to waiting, or failed once attempts are
	// exhausted.
	ObserveStalled(ctx context.Context, staleCutoff time.Time, limit int) (int, error)
	RescheduleStalled(ctx context.Context, maxStalled int, limit int) (int, error)
	FailStalled(ctx context.Context, maxStalled int, limit int) (int, error)

	// Admin.
	DrainWaiting(ctx context.Context) (int, error)
	Obliterate(ctx context.Context) (int, error)

	// Terminal-job GC.
	DeleteCompleted(ctx context.Context, olderThan time.Time, keepNewest int) (int, error)
	DeleteFailed(ctx context.Context, olderThan time.Time) (int, error)
}
