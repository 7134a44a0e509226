package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clipstash/importd/internal/domain"
	goredis "github.com/go-redis/redis/v8"
)

const (
	jobLogKeyPrefix = "queue:import:logs:"
	jobLogTTL       = 7 * 24 * time.Hour
	pausedKey       = "queue:import:paused"
	egressKey       = "egress:identities"
)

// JobLogRepository appends per-job transition lines to a capped Redis list.
type JobLogRepository struct {
	client *goredis.Client
}

func NewJobLogRepository(client *goredis.Client) *JobLogRepository {
	return &JobLogRepository{client: client}
}

func (r *JobLogRepository) Append(ctx context.Context, jobID, line string) error {
	key := jobLogKeyPrefix + jobID
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), line))
	pipe.LTrim(ctx, key, -500, -1)
	pipe.Expire(ctx, key, jobLogTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *JobLogRepository) List(ctx context.Context, jobID string) ([]string, error) {
	return r.client.LRange(ctx, jobLogKeyPrefix+jobID, 0, -1).Result()
}

func (r *JobLogRepository) Purge(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, jobLogKeyPrefix+jobID).Err()
}

// QueueStateRepository persists the paused flag.
type QueueStateRepository struct {
	client *goredis.Client
}

func NewQueueStateRepository(client *goredis.Client) *QueueStateRepository {
	return &QueueStateRepository{client: client}
}

func (r *QueueStateRepository) SetPaused(ctx context.Context, paused bool) error {
	if !paused {
		return r.client.Del(ctx, pausedKey).Err()
	}
	return r.client.Set(ctx, pausedKey, "1", 0).Err()
}

func (r *QueueStateRepository) IsPaused(ctx context.Context) (bool, error) {
	_, err := r.client.Get(ctx, pausedKey).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EgressCache stores the sorted identity list for the pool's cache window.
type EgressCache struct {
	client *goredis.Client
}

func NewEgressCache(client *goredis.Client) *EgressCache {
	return &EgressCache{client: client}
}

func (c *EgressCache) Get(ctx context.Context) ([]domain.Identity, bool, error) {
	raw, err := c.client.Get(ctx, egressKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var identities []domain.Identity
	if err := json.Unmarshal(raw, &identities); err != nil {
		return nil, false, nil // stale format, treat as a miss
	}
	return identities, true, nil
}

func (c *EgressCache) Set(ctx context.Context, identities []domain.Identity, ttl time.Duration) error {
	raw, err := json.Marshal(identities)
	if err != nil {
		return fmt.Errorf("marshal identities: %w", err)
	}
	return c.client.Set(ctx, egressKey, raw, ttl).Err()
}
