package recovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/repository"
)

// Mirror is the write-through recovery service used by workers. Mirror
// failures are logged, never fatal: losing a heartbeat is strictly better
// than failing a multi-gigabyte import over it.
type Mirror struct {
	repo   repository.MirrorRepository
	logger *slog.Logger
}

func NewMirror(repo repository.MirrorRepository, logger *slog.Logger) *Mirror {
	return &Mirror{repo: repo, logger: logger.With("component", "recovery")}
}

// Open creates the recovery record at lease time.
func (m *Mirror) Open(ctx context.Context, job *domain.Job) {
	err := m.repo.Put(ctx, &domain.RecoveryState{
		JobID:      job.ID,
		Status:     domain.StatusActive,
		SourceKind: job.SourceKind,
		SourceRef:  job.SourceRef,
		TempFiles:  []string{},
	})
	if err != nil {
		m.logger.Warn("open recovery record", "job_id", job.ID, "error", err)
	}
}

func (m *Mirror) Heartbeat(ctx context.Context, jobID string) {
	if err := m.repo.Heartbeat(ctx, jobID); err != nil {
		m.logger.Warn("recovery heartbeat", "job_id", jobID, "error", err)
	}
}

// UpdateProgress writes the latest progress through to the mirror so an
// external observer can describe the last-known state after a crash.
func (m *Mirror) UpdateProgress(ctx context.Context, jobID string, p *domain.Progress) {
	state, err := m.repo.Get(ctx, jobID)
	if err != nil {
		return
	}
	state.Progress = p
	if err := m.repo.Put(ctx, state); err != nil {
		m.logger.Warn("mirror progress", "job_id", jobID, "error", err)
	}
}

// RegisterTemp records a temp path before the first byte is written to it.
func (m *Mirror) RegisterTemp(ctx context.Context, jobID, path string) {
	if err := m.repo.AddTempFile(ctx, jobID, path); err != nil {
		m.logger.Warn("register temp file", "job_id", jobID, "path", path, "error", err)
	}
}

// Release removes the job's temp files from disk and, unless the record is
// kept for diagnostics, drops the recovery record.
func (m *Mirror) Release(ctx context.Context, jobID string, keepRecord bool) {
	state, err := m.repo.Get(ctx, jobID)
	if err == nil {
		removeFiles(state.TempFiles, m.logger)
	}
	if keepRecord {
		// Failed jobs keep their record until the TTL expires.
		if state != nil {
			state.TempFiles = []string{}
			state.Status = domain.StatusFailed
			_ = m.repo.Put(ctx, state)
		}
		return
	}
	if err := m.repo.Delete(ctx, jobID); err != nil {
		m.logger.Warn("delete recovery record", "job_id", jobID, "error", err)
	}
}

// MarkStalled flags an in-flight job during graceful shutdown so the next
// startup sweep picks it up.
func (m *Mirror) MarkStalled(ctx context.Context, jobID string) {
	if err := m.repo.MarkStalled(ctx, jobID); err != nil {
		m.logger.Warn("mark stalled", "job_id", jobID, "error", err)
	}
}

// removeFiles deletes tracked temp paths. Entries may be globs: fetchers
// whose child process names its own output register the nonce prefix as a
// pattern before the download starts.
func removeFiles(paths []string, logger *slog.Logger) {
	for _, path := range paths {
		if strings.ContainsRune(path, '*') {
			matches, err := filepath.Glob(path)
			if err != nil {
				logger.Warn("expand temp pattern", "pattern", path, "error", err)
				continue
			}
			removeFiles(matches, logger)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove temp file", "path", path, "error", err)
		}
	}
}
