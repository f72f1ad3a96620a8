package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/indigenious/backend/internal/models"
)

const jobColumns = `id, job_type, dedupe_key, payload, status, priority, attempts, max_attempts,
       created_at, updated_at, scheduled_for, last_error, retry_after,
       processed_at, completed_at, worker_id`

const priorityOrder = `CASE priority
				WHEN 'high' THEN 3
				WHEN 'normal' THEN 2
				WHEN 'low' THEN 1
			END DESC`

// Enqueue creates a new job in the queue
func (s *Store) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO jobs (job_type, dedupe_key, payload, status, priority, max_attempts, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`,
		job.JobType,
		job.DedupeKey,
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

// GetJob retrieves a job by its ID
func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next due job of the given type. It
// returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, jobType, workerID string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $2,
		    processed_at = NOW(),
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND job_type = $1
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY ` + priorityOrder + `, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.q.QueryRowContext(ctx, query, jobType, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = NOW(),
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as failed with an error message
func (s *Store) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back in the queue, not to be claimed before retryAfter.
func (s *Store) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    last_error = $2,
		    retry_after = $3,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`, id, errorMsg, retryAfter)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// CancelJob marks a pending or failed job as cancelled
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrJobNotCancellable
	}
	return nil
}

// ErrJobNotCancellable is returned by CancelJob for jobs that are processing,
// completed, or missing.
var ErrJobNotCancellable = errors.New("job cannot be cancelled (may be processing or already completed)")

// GetStats returns statistics about the job queue
func (s *Store) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') as pending,
			COUNT(*) FILTER (WHERE status = 'processing') as processing,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled,
			COUNT(*) as total
		FROM jobs
	`).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// ListPendingJobs returns pending jobs ordered by priority and creation time
func (s *Store) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		ORDER BY `+priorityOrder+`, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPendingJobsByKey returns the pending jobs of one type sharing a dedupe
// key, oldest first. Inside a transaction the rows stay locked until commit.
func (s *Store) ListPendingJobsByKey(ctx context.Context, jobType, dedupeKey string) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND job_type = $1 AND dedupe_key = $2
		ORDER BY created_at ASC, id ASC`
	if _, inTx := s.q.(*sql.Tx); inTx {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := s.q.QueryContext(ctx, query, jobType, dedupeKey)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs by key: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CleanupOldJobs removes completed/failed jobs older than the specified duration
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.q.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < NOW() - INTERVAL '1 second' * $1
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var (
		dedupeKey    sql.NullString
		scheduledFor sql.NullTime
		lastError    sql.NullString
		retryAfter   sql.NullTime
		processedAt  sql.NullTime
		completedAt  sql.NullTime
		workerID     sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&dedupeKey,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&scheduledFor,
		&lastError,
		&retryAfter,
		&processedAt,
		&completedAt,
		&workerID,
	); err != nil {
		return nil, err
	}
	job.DedupeKey = nullStringPtr(dedupeKey)
	job.ScheduledFor = nullTimePtr(scheduledFor)
	job.LastError = nullStringPtr(lastError)
	job.RetryAfter = nullTimePtr(retryAfter)
	job.ProcessedAt = nullTimePtr(processedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	job.WorkerID = nullStringPtr(workerID)
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
