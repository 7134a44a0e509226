package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, source_kind, source_ref, file_name, catalog_id, api_key,
	       status, attempts_made, max_attempts, progress, return_value,
	       failure_reason, scheduled_at, claimed_by, claimed_at, heartbeat_at,
	       stall_count, enqueued_at, started_at, finished_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Submit(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	// ON CONFLICT DO NOTHING + re-select keeps submit idempotent on the
	// request id without a race between concurrent submitters.
	query := fmt.Sprintf(`
		INSERT INTO import_jobs (
			id, source_kind, source_ref, file_name, catalog_id, api_key,
			status, max_attempts, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'waiting', $7, NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING %s`, jobColumns)

	row := r.pool.QueryRow(ctx, query,
		job.ID,
		job.SourceKind,
		job.SourceRef,
		job.FileName,
		job.CatalogID,
		job.APIKey,
		job.MaxAttempts,
	)

	created, err := scanJob(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		return nil, false, err
	}

	existing, err := r.GetByID(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM import_jobs WHERE id = $1`, jobColumns)
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

func (r *JobRepository) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	args := []any{}
	where := "TRUE"

	if len(input.Statuses) > 0 {
		statuses := make([]string, len(input.Statuses))
		for i, s := range input.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = fmt.Sprintf("status = ANY($%d)", len(args))
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := input.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	query := fmt.Sprintf(`
		SELECT %s FROM import_jobs
		WHERE %s
		ORDER BY enqueued_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (r *JobRepository) CountsByStatus(ctx context.Context) (repository.StatusCounts, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM import_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := repository.StatusCounts{}
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM import_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) Lease(ctx context.Context, workerID string, limit int) ([]*domain.Job, error) {
	// FOR UPDATE SKIP LOCKED prevents double-execution across workers.
	query := fmt.Sprintf(`
		UPDATE import_jobs
		SET    status       = 'active',
		       claimed_by   = $1,
		       claimed_at   = NOW(),
		       heartbeat_at = NOW(),
		       started_at   = COALESCE(started_at, NOW()),
		       updated_at   = NOW()
		WHERE id IN (
			SELECT id FROM import_jobs
			WHERE  status IN ('waiting', 'delayed')
			  AND  scheduled_at <= NOW()
			ORDER BY scheduled_at ASC, enqueued_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns)

	rows, err := r.pool.Query(ctx, query, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (r *JobRepository) UpdateHeartbeat(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE import_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, jobID)
	return err
}

func (r *JobRepository) UpdateProgress(ctx context.Context, jobID string, p *domain.Progress) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE import_jobs SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, jobID, p)
	return err
}

func (r *JobRepository) Complete(ctx context.Context, jobID string, rv *domain.ReturnValue) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE import_jobs
		SET    status       = 'completed',
		       return_value = $2,
		       failure_reason = NULL,
		       finished_at  = NOW(),
		       updated_at   = NOW()
		WHERE id = $1`, jobID, rv)
	return err
}

func (r *JobRepository) FailTerminal(ctx context.Context, jobID string, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE import_jobs
		SET    status         = 'failed',
		       failure_reason = $2,
		       return_value   = NULL,
		       attempts_made  = attempts_made + 1,
		       finished_at    = NOW(),
		       updated_at     = NOW()
		WHERE id = $1 AND status = 'active'`, jobID, reason)
	return err
}

func (r *JobRepository) Reschedule(ctx context.Context, jobID string, reason string, retryAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE import_jobs
		SET    status         = 'delayed',
		       attempts_made  = attempts_made + 1,
		       failure_reason = $2,
		       progress       = NULL,
		       scheduled_at   = $3,
		       claimed_by     = NULL,
		       claimed_at     = NULL,
		       heartbeat_at   = NULL,
		       updated_at     = NOW()
		WHERE id = $1`, jobID, reason, retryAt)
	return err
}

func (r *JobRepository) Retry(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE import_jobs
		SET    status         = 'waiting',
		       scheduled_at   = NOW(),
		       progress       = NULL,
		       claimed_by     = NULL,
		       claimed_at     = NULL,
		       heartbeat_at   = NULL,
		       stall_count    = 0,
		       finished_at    = NULL,
		       updated_at     = NOW()
		WHERE id = $1 AND status NOT IN ('active', 'completed')`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobNotRetryable
	}
	return nil
}

func (r *JobRepository) ObserveStalled(ctx context.Context, staleCutoff time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE import_jobs
		SET    stall_count = stall_count + 1,
		       updated_at  = NOW()
		WHERE id IN (
			SELECT id FROM import_jobs
			WHERE  status       = 'active'
			  AND  heartbeat_at < $1
			ORDER BY heartbeat_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, staleCutoff, limit)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) RescheduleStalled(ctx context.Context, maxStalled int, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE import_jobs
		SET    status         = 'waiting',
		       attempts_made  = attempts_made + 1,
		       failure_reason = 'job stalled',
		       progress       = NULL,
		       scheduled_at   = NOW(),
		       claimed_by     = NULL,
		       claimed_at     = NULL,
		       heartbeat_at   = NULL,
		       stall_count    = 0,
		       updated_at     = NOW()
		WHERE id IN (
			SELECT id FROM import_jobs
			WHERE  status        = 'active'
			  AND  stall_count   >= $1
			  AND  attempts_made < max_attempts - 1
			ORDER BY heartbeat_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, maxStalled, limit)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) FailStalled(ctx context.Context, maxStalled int, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE import_jobs
		SET    status         = 'failed',
		       attempts_made  = attempts_made + 1,
		       failure_reason = 'job stalled: max attempts exhausted',
		       finished_at    = NOW(),
		       updated_at     = NOW()
		WHERE id IN (
			SELECT id FROM import_jobs
			WHERE  status        = 'active'
			  AND  stall_count   >= $1
			  AND  attempts_made >= max_attempts - 1
			ORDER BY heartbeat_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, maxStalled, limit)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) DrainWaiting(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM import_jobs WHERE status IN ('waiting', 'delayed')`)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) Obliterate(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM import_jobs`)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) DeleteCompleted(ctx context.Context, olderThan time.Time, keepNewest int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM import_jobs
		WHERE status = 'completed'
		  AND (finished_at < $1
		       OR id NOT IN (
			SELECT id FROM import_jobs
			WHERE status = 'completed'
			ORDER BY finished_at DESC
			LIMIT $2
		  ))`, olderThan, keepNewest)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) DeleteFailed(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM import_jobs WHERE status = 'failed' AND finished_at < $1`, olderThan)
	return int(tag.RowsAffected()), err
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.SourceKind, &j.SourceRef, &j.FileName, &j.CatalogID, &j.APIKey,
		&j.Status, &j.AttemptsMade, &j.MaxAttempts, &j.Progress, &j.ReturnValue,
		&j.FailureReason, &j.ScheduledAt, &j.ClaimedBy, &j.ClaimedAt, &j.HeartbeatAt,
		&j.StallCount, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
