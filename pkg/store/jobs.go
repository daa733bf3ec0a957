package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hostsync/pkg/shared"
)

// CreateConnectionJob inserts a pending single-connection job if and only if
// no non-terminal job exists for that connection. The guard is a single
// atomic insert, so two concurrent triggers cannot both succeed.
func (s *Store) CreateConnectionJob(ctx context.Context, id, connectionID string) (*shared.SyncJob, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, job_type, connection_id, status, created_at)
		SELECT ?, ?, ?, 'pending', ?
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE connection_id = ? AND status IN ('pending', 'running')
		)`,
		id, string(shared.JobTypeConnection), connectionID, now, connectionID)
	if err != nil {
		return nil, fmt.Errorf("insert connection job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrJobActive
	}

	return &shared.SyncJob{
		ID:           id,
		JobType:      shared.JobTypeConnection,
		ConnectionID: connectionID,
		Status:       shared.JobPending,
		CreatedAt:    now,
	}, nil
}

// CreateBulkJob inserts a pending bulk job unless another bulk job is still
// non-terminal.
func (s *Store) CreateBulkJob(ctx context.Context, id string) (*shared.SyncJob, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, job_type, connection_id, status, created_at)
		SELECT ?, ?, NULL, 'pending', ?
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE job_type = ? AND status IN ('pending', 'running')
		)`,
		id, string(shared.JobTypeBulk), now, string(shared.JobTypeBulk))
	if err != nil {
		return nil, fmt.Errorf("insert bulk job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrJobActive
	}

	return &shared.SyncJob{
		ID:        id,
		JobType:   shared.JobTypeBulk,
		Status:    shared.JobPending,
		CreatedAt: now,
	}, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*shared.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, connection_id, status, progress, total_files, processed_files,
		       error_message, created_at, started_at, completed_at
		FROM sync_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ActiveJob returns the current non-terminal job for a connection, if any.
func (s *Store) ActiveJob(ctx context.Context, connectionID string) (*shared.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, connection_id, status, progress, total_files, processed_files,
		       error_message, created_at, started_at, completed_at
		FROM sync_jobs
		WHERE connection_id = ? AND status IN ('pending', 'running')
		LIMIT 1`, connectionID)
	return scanJob(row)
}

// ActiveBulkJob returns the current non-terminal bulk job, if any.
func (s *Store) ActiveBulkJob(ctx context.Context) (*shared.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, connection_id, status, progress, total_files, processed_files,
		       error_message, created_at, started_at, completed_at
		FROM sync_jobs
		WHERE job_type = ? AND status IN ('pending', 'running')
		LIMIT 1`, string(shared.JobTypeBulk))
	return scanJob(row)
}

func (s *Store) CountActiveJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE status IN ('pending', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*shared.SyncJob, error) {
	var job shared.SyncJob
	var jobType, status string
	var connectionID sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &jobType, &connectionID, &status, &job.Progress,
		&job.TotalFiles, &job.ProcessedFiles, &job.ErrorMessage,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.JobType = shared.JobType(jobType)
	job.Status = shared.JobStatus(status)
	if connectionID.Valid {
		job.ConnectionID = connectionID.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// MarkJobRunning transitions pending -> running. Returns ErrNotPending when
// the job was cancelled (or otherwise finalized) before it started; the
// caller must not run it.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

// UpdateJobProgress records batch progress on a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress, totalFiles, processedFiles int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET progress = ?, total_files = ?, processed_files = ?
		WHERE id = ? AND status = 'running'`,
		progress, totalFiles, processedFiles, id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// FinalizeJob moves a job to a terminal status. Transitions are monotonic:
// a job already terminal is left untouched.
func (s *Store) FinalizeJob(ctx context.Context, id string, status shared.JobStatus, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize job: %q is not a terminal status", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// CancelPendingJob cancels a job that has not started running yet. Returns
// ErrNotPending when the job is already running or terminal.
func (s *Store) CancelPendingJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cancel pending job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}
