package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// ErrJobNotFound is returned when a job update matches no row.
var ErrJobNotFound = errors.New("store: job not found")

// JobStore provides database operations for the background job queue
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

// Enqueue creates a new job in the queue
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	query := `
		INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := s.db.QueryRowContext(
		ctx,
		query,
		job.JobType,
		job.Payload,
		status,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledFor,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	job.Status = status

	return nil
}

// HasOpenJob reports whether a pending or processing job of the given type exists.
func (s *JobStore) HasOpenJob(ctx context.Context, jobType string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE job_type = $1 AND status IN ('pending', 'processing')
		)
	`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, jobType).Scan(&exists); err != nil {
		return false, fmt.Errorf("check open job: %w", err)
	}
	return exists, nil
}

// ClaimNextJob atomically claims the next available job for processing.
// It returns nil when the queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $1,
		    processed_at = NOW(),
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY
				CASE priority
					WHEN 'high' THEN 3
					WHEN 'normal' THEN 2
					WHEN 'low' THEN 1
				END DESC,
				created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, status, priority, attempts, max_attempts,
		          created_at, updated_at, scheduled_for, last_error, retry_after,
		          processed_at, completed_at, worker_id
	`

	job := &models.Job{}
	err := s.db.QueryRowContext(ctx, query, workerID).Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = NOW(),
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`

	return execJobUpdate(ctx, s.db, "mark job completed", query, id)
}

// MarkFailed marks a job as permanently failed with an error message
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	query := `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`

	return execJobUpdate(ctx, s.db, "mark job failed", query, id, errorMsg)
}

// ScheduleRetry puts a job back to pending until retryAfter
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending',
		    last_error = $2,
		    retry_after = $3,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`

	return execJobUpdate(ctx, s.db, "schedule job retry", query, id, errorMsg, retryAfter)
}

// ReleaseJob releases a processing job back to pending (for graceful shutdown)
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = 'pending',
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns counts of jobs per status
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) AS total
		FROM jobs
	`

	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}

	return stats, nil
}

// CleanupOldJobs removes completed and failed jobs older than the given duration
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < NOW() - INTERVAL '1 second' * $1
	`

	result, err := s.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}

func execJobUpdate(ctx context.Context, db *sql.DB, op, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", op, ErrJobNotFound)
	}
	return nil
}
