package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipstash/importd/internal/repository"
)

const (
	completedTTL  = 24 * time.Hour
	completedKeep = 100
	failedTTL     = 7 * 24 * time.Hour
)

// Janitor garbage-collects terminal jobs: completed jobs are retained for a
// day and capped at the hundred newest, failed jobs for a week.
type Janitor struct {
	repo   repository.JobRepository
	logger *slog.Logger
}

func NewJanitor(repo repository.JobRepository, logger *slog.Logger) *Janitor {
	return &Janitor{repo: repo, logger: logger.With("component", "janitor")}
}

// Run performs one GC pass. Scheduled by the process-level cron.
func (j *Janitor) Run(ctx context.Context) {
	completed, err := j.repo.DeleteCompleted(ctx, time.Now().Add(-completedTTL), completedKeep)
	if err != nil {
		j.logger.Error("gc completed jobs", "error", err)
	}
	failed, err := j.repo.DeleteFailed(ctx, time.Now().Add(-failedTTL))
	if err != nil {
		j.logger.Error("gc failed jobs", "error", err)
	}
	if completed > 0 || failed > 0 {
		j.logger.Info("terminal job gc finished", "completed_removed", completed, "failed_removed", failed)
	}
}
