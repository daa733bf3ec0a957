package store

import (
	"context"
	"database/sql"
	"fmt"

	"hostsync/pkg/shared"
)

// UpsertFileState records the latest sync outcome for one file. Keyed by
// (connection_id, file_path); later batches overwrite earlier outcomes.
func (s *Store) UpsertFileState(ctx context.Context, state *shared.FileSyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_sync_state (connection_id, file_path, status, last_modified, last_synced, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, file_path) DO UPDATE SET
			status = excluded.status,
			last_modified = excluded.last_modified,
			last_synced = excluded.last_synced,
			error_message = excluded.error_message`,
		state.ConnectionID, state.FilePath, string(state.Status),
		state.LastModified, state.LastSynced, state.ErrorMessage)
	if err != nil {
		return fmt.Errorf("upsert file state: %w", err)
	}
	return nil
}

// ListFileStates returns per-file sync state for a connection, failed files
// first so operators see problems without paging.
func (s *Store) ListFileStates(ctx context.Context, connectionID string, limit int) ([]*shared.FileSyncState, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_id, file_path, status, last_modified, last_synced, error_message
		FROM file_sync_state
		WHERE connection_id = ?
		ORDER BY CASE status WHEN 'failed' THEN 0 ELSE 1 END, file_path
		LIMIT ?`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query file states: %w", err)
	}
	defer rows.Close()

	var states []*shared.FileSyncState
	for rows.Next() {
		var st shared.FileSyncState
		var status string
		var lastModified sql.NullTime
		if err := rows.Scan(&st.ConnectionID, &st.FilePath, &status,
			&lastModified, &st.LastSynced, &st.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan file state: %w", err)
		}
		st.Status = shared.FileStatus(status)
		if lastModified.Valid {
			t := lastModified.Time
			st.LastModified = &t
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

// CountFileStates returns (total, failed) counts for a connection.
func (s *Store) CountFileStates(ctx context.Context, connectionID string) (int, int, error) {
	var total, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM file_sync_state WHERE connection_id = ?`, connectionID).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count file states: %w", err)
	}
	return total, failed, nil
}
