package repository

import (
	"context"

	"github.com/clipstash/importd/internal/domain"
)

// MirrorRepository is the out-of-band recovery store, keyed recovery:<job_id>
// with a one hour TTL. Concurrent writes for the same id last-write-wins.
type MirrorRepository interface {
	Put(ctx context.Context, state *domain.RecoveryState) error
	Get(ctx context.Context, jobID string) (*domain.RecoveryState, error)
	Delete(ctx context.Context, jobID string) error

	// Heartbeat refreshes the timestamp and TTL without touching the payload.
	Heartbeat(ctx context.Context, jobID string) error
	AddTempFile(ctx context.Context, jobID, path string) error
	MarkStalled(ctx context.Context, jobID string) error

	// List returns every decodable record plus the keys of corrupt ones,
	// which the startup sweep removes unconditionally.
	List(ctx context.Context) (states []*domain.RecoveryState, corruptKeys []string, err error)
	DeleteKey(ctx context.Context, key string) error
}
