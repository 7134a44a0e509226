package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipstash/importd/internal/metrics"
	"github.com/clipstash/importd/internal/repository"
)

const (
	stalledInterval = 60 * time.Second
	maxStalledCount = 5
	reapBatch       = 100
)

// Reaper recovers jobs whose workers stopped heartbeating. A job is only
// forced back once it has been observed stale maxStalledCount times, so a
// single brief block does not cost a worker its lease. A later heartbeat does
// not reset the count; only being forced back or a manual retry does.
type Reaper struct {
	repo   repository.JobRepository
	logger *slog.Logger
}

func NewReaper(repo repository.JobRepository, logger *slog.Logger) *Reaper {
	return &Reaper{repo: repo, logger: logger.With("component", "reaper")}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(stalledInterval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", stalledInterval, "max_stalled", maxStalledCount)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shut down")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	staleCutoff := time.Now().Add(-stalledInterval)

	observed, err := r.repo.ObserveStalled(ctx, staleCutoff, reapBatch)
	if err != nil {
		r.logger.Error("observe stalled", "error", err)
		return
	}
	if observed > 0 {
		r.logger.Warn("observed stalled jobs", "count", observed)
	}

	rescheduled, err := r.repo.RescheduleStalled(ctx, maxStalledCount, reapBatch)
	if err != nil {
		r.logger.Error("reschedule stalled", "error", err)
	} else if rescheduled > 0 {
		metrics.StalledRescuedTotal.WithLabelValues("rescheduled").Add(float64(rescheduled))
		r.logger.Warn("rescheduled stalled jobs", "count", rescheduled)
	}

	failed, err := r.repo.FailStalled(ctx, maxStalledCount, reapBatch)
	if err != nil {
		r.logger.Error("fail stalled", "error", err)
	} else if failed > 0 {
		metrics.StalledRescuedTotal.WithLabelValues("failed").Add(float64(failed))
		r.logger.Warn("permanently failed stalled jobs", "count", failed)
	}
}
