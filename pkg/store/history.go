package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hostsync/pkg/shared"

	"github.com/google/uuid"
)

// StartHistory appends a running history row for one connection's sync and
// returns its id.
func (s *Store) StartHistory(ctx context.Context, jobID, connectionID string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (id, job_id, connection_id, started_at, status)
		VALUES (?, ?, ?, ?, 'running')`,
		id, jobID, connectionID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert history row: %w", err)
	}
	return id, nil
}

// FinishHistory closes a history row with its final status and counts. A row
// that is already closed is never rewritten.
func (s *Store) FinishHistory(ctx context.Context, id string, status shared.HistoryStatus, filesProcessed, filesIndexed int, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_history
		SET status = ?, files_processed = ?, files_indexed = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL`,
		string(status), filesProcessed, filesIndexed, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish history row: %w", err)
	}
	return nil
}

// HistoryFilter narrows QueryHistory. Zero values mean "no filter"; Limit
// falls back to 50.
type HistoryFilter struct {
	ConnectionID string
	Days         int
	Limit        int
}

func (s *Store) QueryHistory(ctx context.Context, filter HistoryFilter) ([]*shared.SyncHistory, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, job_id, connection_id, started_at, completed_at, status,
		       files_processed, files_indexed, error_message
		FROM sync_history WHERE 1=1`
	args := []any{}

	if filter.ConnectionID != "" {
		query += " AND connection_id = ?"
		args = append(args, filter.ConnectionID)
	}
	if filter.Days > 0 {
		query += " AND started_at >= ?"
		args = append(args, time.Now().UTC().AddDate(0, 0, -filter.Days))
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []*shared.SyncHistory
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastHistory returns the most recently started history row, or ErrNotFound.
func (s *Store) LastHistory(ctx context.Context) (*shared.SyncHistory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, connection_id, started_at, completed_at, status,
		       files_processed, files_indexed, error_message
		FROM sync_history ORDER BY started_at DESC LIMIT 1`)
	return scanHistory(row)
}

func scanHistory(row rowScanner) (*shared.SyncHistory, error) {
	var rec shared.SyncHistory
	var status string
	var completedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.JobID, &rec.ConnectionID, &rec.StartedAt,
		&completedAt, &status, &rec.FilesProcessed, &rec.FilesIndexed, &rec.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}

	rec.Status = shared.HistoryStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}
