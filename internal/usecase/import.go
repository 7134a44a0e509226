package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/repository"
)

// Killer interrupts a job running inside this process. Implemented by the
// worker pool's cancel registry.
type Killer interface {
	Kill(jobID string, cause error) bool
}

// ImportUsecase exposes every queue operation the front door and the
// pre-stager need: submit, query, retry, kill, and queue administration.
type ImportUsecase struct {
	jobs        repository.JobRepository
	attempts    repository.AttemptRepository
	logs        repository.JobLogRepository
	queueState  repository.QueueStateRepository
	killer      Killer
	maxAttempts int
}

func NewImportUsecase(
	jobs repository.JobRepository,
	attempts repository.AttemptRepository,
	logs repository.JobLogRepository,
	queueState repository.QueueStateRepository,
	killer Killer,
	maxAttempts int,
) *ImportUsecase {
	return &ImportUsecase{
		jobs:        jobs,
		attempts:    attempts,
		logs:        logs,
		queueState:  queueState,
		killer:      killer,
		maxAttempts: maxAttempts,
	}
}

type SubmitInput struct {
	RequestID  string
	SourceKind domain.SourceKind
	SourceRef  string
	FileName   string
	CatalogID  string
	APIKey     string
}

// Submit enqueues an import. Idempotent on RequestID: resubmitting while a
// job with that id exists returns the existing job.
func (u *ImportUsecase) Submit(ctx context.Context, input SubmitInput) (*domain.Job, error) {
	if input.RequestID == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if !domain.ValidSourceKind(input.SourceKind) {
		return nil, fmt.Errorf("unknown source type %q", input.SourceKind)
	}
	if input.SourceRef == "" {
		return nil, fmt.Errorf("source reference is required")
	}

	job := &domain.Job{
		ID:          input.RequestID,
		SourceKind:  input.SourceKind,
		SourceRef:   input.SourceRef,
		FileName:    optional(input.FileName),
		CatalogID:   optional(input.CatalogID),
		APIKey:      optional(input.APIKey),
		MaxAttempts: u.maxAttempts,
	}

	created, fresh, err := u.jobs.Submit(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	if fresh {
		_ = u.logs.Append(ctx, created.ID, fmt.Sprintf("submitted (%s)", created.SourceKind))
	}
	return created, nil
}

func (u *ImportUsecase) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := u.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (u *ImportUsecase) Attempts(ctx context.Context, jobID string) ([]*domain.JobAttempt, error) {
	return u.attempts.ListByJob(ctx, jobID)
}

func (u *ImportUsecase) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	jobs, err := u.jobs.List(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (u *ImportUsecase) Counts(ctx context.Context) (repository.StatusCounts, error) {
	return u.jobs.CountsByStatus(ctx)
}

func (u *ImportUsecase) Logs(ctx context.Context, jobID string) ([]string, error) {
	if _, err := u.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return u.logs.List(ctx, jobID)
}

// Retry re-queues a non-active, non-completed job.
func (u *ImportUsecase) Retry(ctx context.Context, jobID string) error {
	if err := u.jobs.Retry(ctx, jobID); err != nil {
		return err
	}
	_ = u.logs.Append(ctx, jobID, "manually retried")
	return nil
}

// Delete removes a job outright. Active jobs must be killed first.
func (u *ImportUsecase) Delete(ctx context.Context, jobID string) error {
	job, err := u.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.StatusActive {
		return domain.ErrJobNotRetryable
	}
	if err := u.jobs.Delete(ctx, jobID); err != nil {
		return err
	}
	_ = u.logs.Purge(ctx, jobID)
	return nil
}

// Kill forces a running job to terminal-failed. The owning worker observes
// the cancellation at its next suspension point and writes the terminal
// state itself; if no worker in this process owns the job (it died with a
// previous process), the state is written here.
func (u *ImportUsecase) Kill(ctx context.Context, jobID string) error {
	job, err := u.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusActive {
		return domain.ErrJobNotActive
	}

	if u.killer != nil && u.killer.Kill(jobID, domain.ErrManualKill) {
		_ = u.logs.Append(ctx, jobID, "kill requested")
		return nil
	}

	if err := u.jobs.FailTerminal(ctx, jobID, domain.ErrManualKill.Error()); err != nil {
		return err
	}
	_ = u.logs.Append(ctx, jobID, "killed (no owning worker)")
	return nil
}

func (u *ImportUsecase) Pause(ctx context.Context) error {
	return u.queueState.SetPaused(ctx, true)
}

func (u *ImportUsecase) Resume(ctx context.Context) error {
	return u.queueState.SetPaused(ctx, false)
}

// Drain removes every waiting and delayed job.
func (u *ImportUsecase) Drain(ctx context.Context) (int, error) {
	return u.jobs.DrainWaiting(ctx)
}

// Obliterate removes every job regardless of state. Requires force, matching
// the destructive intent of the operation.
func (u *ImportUsecase) Obliterate(ctx context.Context, force bool) (int, error) {
	if !force {
		return 0, errors.New("obliterate requires force")
	}
	return u.jobs.Obliterate(ctx)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
