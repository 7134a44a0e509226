package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clipstash/importd/internal/domain"
	goredis "github.com/go-redis/redis/v8"
)

const (
	mirrorKeyPrefix = "recovery:"
	mirrorTTL       = time.Hour
)

// MirrorRepository keeps one JSON value per active job under recovery:<id>.
// Concurrent heartbeats for the same id last-write-wins, which is fine: the
// payload only matters after a crash, when nobody is writing anymore.
type MirrorRepository struct {
	client *goredis.Client
}

func NewMirrorRepository(client *goredis.Client) *MirrorRepository {
	return &MirrorRepository{client: client}
}

func mirrorKey(jobID string) string { return mirrorKeyPrefix + jobID }

func (r *MirrorRepository) Put(ctx context.Context, state *domain.RecoveryState) error {
	state.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal recovery state: %w", err)
	}
	return r.client.Set(ctx, mirrorKey(state.JobID), raw, mirrorTTL).Err()
}

func (r *MirrorRepository) Get(ctx context.Context, jobID string) (*domain.RecoveryState, error) {
	raw, err := r.client.Get(ctx, mirrorKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	var state domain.RecoveryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode recovery state: %w", err)
	}
	return &state, nil
}

func (r *MirrorRepository) Delete(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, mirrorKey(jobID)).Err()
}

func (r *MirrorRepository) Heartbeat(ctx context.Context, jobID string) error {
	state, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return r.Put(ctx, state)
}

func (r *MirrorRepository) AddTempFile(ctx context.Context, jobID, path string) error {
	state, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	for _, existing := range state.TempFiles {
		if existing == path {
			return nil
		}
	}
	state.TempFiles = append(state.TempFiles, path)
	return r.Put(ctx, state)
}

func (r *MirrorRepository) MarkStalled(ctx context.Context, jobID string) error {
	state, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	state.Status = domain.StatusStalled
	return r.Put(ctx, state)
}

func (r *MirrorRepository) List(ctx context.Context) ([]*domain.RecoveryState, []string, error) {
	var (
		states  []*domain.RecoveryState
		corrupt []string
		cursor  uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, mirrorKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("scan recovery keys: %w", err)
		}
		for _, key := range keys {
			raw, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, nil, err
			}
			var state domain.RecoveryState
			if err := json.Unmarshal(raw, &state); err != nil || state.JobID == "" {
				corrupt = append(corrupt, key)
				continue
			}
			states = append(states, &state)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return states, corrupt, nil
}

func (r *MirrorRepository) DeleteKey(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, mirrorKeyPrefix) {
		return fmt.Errorf("refusing to delete non-recovery key %q", key)
	}
	return r.client.Del(ctx, key).Err()
}
