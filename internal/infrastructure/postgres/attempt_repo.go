package postgres

import (
	"context"
	"fmt"

	"github.com/clipstash/importd/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AttemptRepository struct {
	pool *pgxpool.Pool
}

func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func (r *AttemptRepository) CreateAttempt(ctx context.Context, a *domain.JobAttempt) (*domain.JobAttempt, error) {
	query := `
		INSERT INTO import_attempts (job_id, attempt_num, worker_id, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, job_id, attempt_num, worker_id, started_at,
		          finished_at, error_kind, error, duration_ms`

	row := r.pool.QueryRow(ctx, query, a.JobID, a.AttemptNum, a.WorkerID, a.StartedAt)

	var created domain.JobAttempt
	err := row.Scan(
		&created.ID, &created.JobID, &created.AttemptNum, &created.WorkerID,
		&created.StartedAt, &created.FinishedAt, &created.ErrorKind,
		&created.Error, &created.DurationMS,
	)
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	return &created, nil
}

func (r *AttemptRepository) CompleteAttempt(ctx context.Context, attemptID string, errorKind, errMsg *string, durationMS int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE import_attempts
		SET    finished_at = NOW(),
		       error_kind  = $2,
		       error       = $3,
		       duration_ms = $4
		WHERE id = $1`, attemptID, errorKind, errMsg, durationMS)
	return err
}

func (r *AttemptRepository) ListByJob(ctx context.Context, jobID string) ([]*domain.JobAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, attempt_num, worker_id, started_at,
		       finished_at, error_kind, error, duration_ms
		FROM import_attempts
		WHERE job_id = $1
		ORDER BY attempt_num ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		err := rows.Scan(
			&a.ID, &a.JobID, &a.AttemptNum, &a.WorkerID, &a.StartedAt,
			&a.FinishedAt, &a.ErrorKind, &a.Error, &a.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
