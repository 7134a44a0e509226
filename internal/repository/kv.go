package repository

import (
	"context"
	"time"

	"github.com/clipstash/importd/internal/domain"
)

// JobLogRepository keeps per-job transition lines under
// queue:import:logs:<id> for the logs(id) query.
type JobLogRepository interface {
	Append(ctx context.Context, jobID, line string) error
	List(ctx context.Context, jobID string) ([]string, error)
	Purge(ctx context.Context, jobID string) error
}

// QueueStateRepository persists the paused flag so pause survives restarts.
type QueueStateRepository interface {
	SetPaused(ctx context.Context, paused bool) error
	IsPaused(ctx context.Context) (bool, error)
}

// EgressCache holds the sorted identity list under egress:identities for the
// pool's five minute cache window.
type EgressCache interface {
	Get(ctx context.Context) ([]domain.Identity, bool, error)
	Set(ctx context.Context, identities []domain.Identity, ttl time.Duration) error
}
