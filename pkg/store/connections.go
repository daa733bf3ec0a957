package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hostsync/pkg/shared"
)

// StoredCredential is a credential row as persisted: ciphertext only.
type StoredCredential struct {
	PasswordCipher   string
	PrivateKeyCipher string
	KeyRef           string
}

// CreateConnection inserts a connection and its (possibly empty) credential
// row in one transaction.
func (s *Store) CreateConnection(ctx context.Context, conn *shared.Connection, cred *StoredCredential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO connections (id, name, protocol, host, port, username, base_path, status, last_test_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.Name, string(conn.Protocol), conn.Host, conn.Port,
		conn.Username, conn.BasePath, string(conn.Status), conn.LastTestResult, conn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}

	if cred != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credentials (connection_id, password_cipher, private_key_cipher, key_ref, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			conn.ID, cred.PasswordCipher, cred.PrivateKeyCipher, cred.KeyRef, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (*shared.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, protocol, host, port, username, base_path, status, last_tested, last_test_result, created_at
		FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

func (s *Store) ListConnections(ctx context.Context) ([]*shared.Connection, error) {
	return s.queryConnections(ctx, `
		SELECT id, name, protocol, host, port, username, base_path, status, last_tested, last_test_result, created_at
		FROM connections ORDER BY created_at`)
}

// ListActiveConnections returns connections eligible for a bulk sync.
func (s *Store) ListActiveConnections(ctx context.Context) ([]*shared.Connection, error) {
	return s.queryConnections(ctx, `
		SELECT id, name, protocol, host, port, username, base_path, status, last_tested, last_test_result, created_at
		FROM connections WHERE status = 'active' ORDER BY created_at`)
}

func (s *Store) queryConnections(ctx context.Context, query string) ([]*shared.Connection, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []*shared.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*shared.Connection, error) {
	var conn shared.Connection
	var protocol, status string
	var lastTested sql.NullTime

	err := row.Scan(&conn.ID, &conn.Name, &protocol, &conn.Host, &conn.Port,
		&conn.Username, &conn.BasePath, &status, &lastTested, &conn.LastTestResult, &conn.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}

	conn.Protocol = shared.Protocol(protocol)
	conn.Status = shared.ConnectionStatus(status)
	if lastTested.Valid {
		t := lastTested.Time
		conn.LastTested = &t
	}
	return &conn, nil
}

// UpdateConnectionTest records the outcome of a test-connection call.
func (s *Store) UpdateConnectionTest(ctx context.Context, id string, status shared.ConnectionStatus, result string, testedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET status = ?, last_test_result = ?, last_tested = ? WHERE id = ?`,
		string(status), result, testedAt, id)
	if err != nil {
		return fmt.Errorf("update connection test: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredential returns the stored ciphertext for a connection, or nil when
// the connection has no credential row.
func (s *Store) GetCredential(ctx context.Context, connectionID string) (*StoredCredential, error) {
	var cred StoredCredential
	err := s.db.QueryRowContext(ctx, `
		SELECT password_cipher, private_key_cipher, key_ref FROM credentials WHERE connection_id = ?`,
		connectionID).Scan(&cred.PasswordCipher, &cred.PrivateKeyCipher, &cred.KeyRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &cred, nil
}

// DeleteConnection removes the connection; credentials, jobs, history and
// file sync state rows follow through foreign key cascades.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
