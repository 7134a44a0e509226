package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/repository"
)

// StaleThreshold is how old a recovery heartbeat may be before the record is
// considered abandoned by its worker.
const StaleThreshold = 5 * time.Minute

// Sweeper reconciles leftover recovery records against the queue on process
// startup.
type Sweeper struct {
	mirror repository.MirrorRepository
	jobs   repository.JobRepository
	logger *slog.Logger
}

func NewSweeper(mirror repository.MirrorRepository, jobs repository.JobRepository, logger *slog.Logger) *Sweeper {
	return &Sweeper{mirror: mirror, jobs: jobs, logger: logger.With("component", "recovery_sweep")}
}

// Sweep inspects every recovery record older than the stale threshold (or
// explicitly marked stalled by a previous shutdown):
//
//   - queue job gone or completed: purge temp files and the record
//   - queue job failed: purge, then retry it
//   - queue job active with a stale lease: clean up and re-arm it
//   - queue job waiting/delayed: leave the job as is, purge temp files and
//     the record
//   - record still heartbeating: leave it alone
//
// Corrupt records are removed unconditionally.
func (s *Sweeper) Sweep(ctx context.Context) {
	states, corrupt, err := s.mirror.List(ctx)
	if err != nil {
		s.logger.Error("list recovery records", "error", err)
		return
	}

	for _, key := range corrupt {
		s.logger.Warn("removing corrupt recovery record", "key", key)
		_ = s.mirror.DeleteKey(ctx, key)
	}

	cutoff := time.Now().Add(-StaleThreshold)
	var recovered, purged int

	for _, state := range states {
		if state.Status != domain.StatusStalled && state.Timestamp.After(cutoff) {
			continue // worker is alive
		}

		job, err := s.jobs.GetByID(ctx, state.JobID)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			s.purge(ctx, state)
			purged++

		case err != nil:
			s.logger.Error("inspect queue for recovery record", "job_id", state.JobID, "error", err)

		case job.Status == domain.StatusFailed:
			// The previous process lost this job mid-flight and a reaper (or
			// its own shutdown) already failed it. Clean up and give it
			// another run.
			s.purge(ctx, state)
			if err := s.jobs.Retry(ctx, job.ID); err != nil {
				s.logger.Error("retry failed job", "job_id", job.ID, "error", err)
			} else {
				recovered++
			}

		case job.Status == domain.StatusCompleted:
			s.purge(ctx, state)
			purged++

		case job.Status == domain.StatusActive:
			// The lease died with the previous process. Clean up and re-arm;
			// the attempt counts against the job's budget.
			s.purge(ctx, state)
			if job.AttemptsMade+1 >= job.MaxAttempts {
				if err := s.jobs.FailTerminal(ctx, job.ID, "job stalled: max attempts exhausted"); err != nil {
					s.logger.Error("fail stalled job", "job_id", job.ID, "error", err)
				}
			} else if err := s.jobs.Reschedule(ctx, job.ID, "recovered after restart", time.Now()); err != nil {
				s.logger.Error("reschedule recovered job", "job_id", job.ID, "error", err)
			} else {
				recovered++
			}

		default:
			// waiting or delayed: it will run again on its own, but the old
			// attempt's temp files are dead weight.
			s.purge(ctx, state)
		}
	}

	if recovered > 0 || purged > 0 || len(corrupt) > 0 {
		s.logger.Info("recovery sweep finished",
			"recovered", recovered, "purged", purged, "corrupt", len(corrupt))
	}
}

func (s *Sweeper) purge(ctx context.Context, state *domain.RecoveryState) {
	removeFiles(state.TempFiles, s.logger)
	if err := s.mirror.Delete(ctx, state.JobID); err != nil {
		s.logger.Warn("delete recovery record", "job_id", state.JobID, "error", err)
	}
}
