package repository

import (
	"context"

	"github.com/clipstash/importd/internal/domain"
)

// AttemptRepository records one row per pipeline execution. Rows are opened
// before the pipeline runs and closed with the outcome, so a crashed worker
// leaves a visible incomplete entry.
type AttemptRepository interface {
	CreateAttempt(ctx context.Context, a *domain.JobAttempt) (*domain.JobAttempt, error)
	CompleteAttempt(ctx context.Context, attemptID string, errorKind, errMsg *string, durationMS int64) error
	ListByJob(ctx context.Context, jobID string) ([]*domain.JobAttempt, error)
}
