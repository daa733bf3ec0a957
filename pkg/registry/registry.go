// Package registry manages the catalog of remote connections: validation,
// credential encryption, persistence and live connectivity tests.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"hostsync/pkg/logger"
	"hostsync/pkg/protocol"
	"hostsync/pkg/shared"
	"hostsync/pkg/store"
	"hostsync/pkg/vault"
)

// Registry validates and persists connections. Secrets pass through the
// vault before they touch the store; plaintext never leaves this package
// except inside an adapter for the duration of one call.
type Registry struct {
	store    *store.Store
	vault    *vault.Vault
	factory  *protocol.Factory
	validate *validator.Validate
	logger   *logger.Logger
}

func New(st *store.Store, v *vault.Vault, factory *protocol.Factory) *Registry {
	return &Registry{
		store:    st,
		vault:    v,
		factory:  factory,
		validate: validator.New(),
		logger:   logger.NewDefault(),
	}
}

func (r *Registry) validateConfig(cfg *shared.ConnectionConfig) error {
	if err := r.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid connection config: %w", err)
	}
	if !cfg.Protocol.Valid() {
		return fmt.Errorf("invalid connection config: unsupported protocol %q", cfg.Protocol)
	}

	switch cfg.Protocol {
	case shared.ProtocolSSH, shared.ProtocolSFTP:
		if cfg.Username == "" {
			return fmt.Errorf("invalid connection config: %s requires a username", cfg.Protocol)
		}
		if cfg.Password == "" && cfg.PrivateKey == "" {
			return fmt.Errorf("invalid connection config: %s requires a password or private key", cfg.Protocol)
		}
	case shared.ProtocolS3:
		if cfg.Username == "" || cfg.Password == "" {
			return fmt.Errorf("invalid connection config: s3 requires an access key and secret")
		}
		if cfg.BasePath == "" {
			return fmt.Errorf("invalid connection config: s3 requires a bucket in base_path")
		}
	case shared.ProtocolRsync:
		if cfg.PrivateKey != "" && cfg.Username == "" {
			return fmt.Errorf("invalid connection config: rsync over ssh requires a username")
		}
	}
	return nil
}

// Add validates the config, encrypts its secrets, persists the connection
// and immediately tests it. The connection is returned with its post-test
// status; a failed test is not an error, it is recorded on the row.
func (r *Registry) Add(ctx context.Context, cfg *shared.ConnectionConfig) (*shared.Connection, error) {
	if err := r.validateConfig(cfg); err != nil {
		return nil, err
	}

	conn := &shared.Connection{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Protocol:  cfg.Protocol,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		BasePath:  cfg.BasePath,
		Status:    shared.ConnectionInactive,
		CreatedAt: time.Now().UTC(),
	}

	stored, err := r.encryptCredential(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateConnection(ctx, conn, stored); err != nil {
		return nil, err
	}

	result := r.liveTest(ctx, conn, shared.Credential{
		Password:   cfg.Password,
		PrivateKey: cfg.PrivateKey,
	})
	if err := r.recordTest(ctx, conn, result); err != nil {
		return nil, err
	}

	r.logger.Info("connection registered", map[string]any{
		"connection_id": conn.ID,
		"protocol":      string(conn.Protocol),
		"host":          conn.Host,
		"test_ok":       result.OK,
	})
	return conn, nil
}

func (r *Registry) encryptCredential(cfg *shared.ConnectionConfig) (*store.StoredCredential, error) {
	if cfg.Password == "" && cfg.PrivateKey == "" {
		return nil, nil
	}
	stored := &store.StoredCredential{}
	var err error
	if cfg.Password != "" {
		if stored.PasswordCipher, err = r.vault.Encrypt(cfg.Password); err != nil {
			return nil, fmt.Errorf("encrypt password: %w", err)
		}
	}
	if cfg.PrivateKey != "" {
		if stored.PrivateKeyCipher, err = r.vault.Encrypt(cfg.PrivateKey); err != nil {
			return nil, fmt.Errorf("encrypt private key: %w", err)
		}
	}
	return stored, nil
}

// Credential decrypts the stored secrets for a connection. A connection
// without a credential row yields the zero credential.
func (r *Registry) Credential(ctx context.Context, connectionID string) (shared.Credential, error) {
	stored, err := r.store.GetCredential(ctx, connectionID)
	if err != nil {
		return shared.Credential{}, err
	}
	if stored == nil {
		return shared.Credential{}, nil
	}

	var cred shared.Credential
	if stored.PasswordCipher != "" {
		if cred.Password, err = r.vault.Decrypt(stored.PasswordCipher); err != nil {
			return shared.Credential{}, fmt.Errorf("decrypt password: %w", err)
		}
	}
	if stored.PrivateKeyCipher != "" {
		if cred.PrivateKey, err = r.vault.Decrypt(stored.PrivateKeyCipher); err != nil {
			return shared.Credential{}, fmt.Errorf("decrypt private key: %w", err)
		}
	}
	return cred, nil
}

func (r *Registry) liveTest(ctx context.Context, conn *shared.Connection, cred shared.Credential) protocol.TestResult {
	adapter, err := r.factory.New(conn, cred)
	if err != nil {
		return protocol.TestResult{Detail: err.Error()}
	}
	return adapter.Test(ctx)
}

func (r *Registry) recordTest(ctx context.Context, conn *shared.Connection, result protocol.TestResult) error {
	status := shared.ConnectionError
	if result.OK {
		status = shared.ConnectionActive
	}
	now := time.Now().UTC()
	if err := r.store.UpdateConnectionTest(ctx, conn.ID, status, result.Detail, now); err != nil {
		return err
	}
	conn.Status = status
	conn.LastTestResult = result.Detail
	conn.LastTested = &now
	return nil
}

// Test probes a stored connection and updates its status and last test
// result.
func (r *Registry) Test(ctx context.Context, connectionID string) (protocol.TestResult, error) {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return protocol.TestResult{}, err
	}
	cred, err := r.Credential(ctx, connectionID)
	if err != nil {
		return protocol.TestResult{}, err
	}

	result := r.liveTest(ctx, conn, cred)
	if err := r.recordTest(ctx, conn, result); err != nil {
		return protocol.TestResult{}, err
	}
	return result, nil
}

// TestConfig probes an unsaved config without persisting anything. Used by
// the pre-registration test endpoint.
func (r *Registry) TestConfig(ctx context.Context, cfg *shared.ConnectionConfig) (protocol.TestResult, error) {
	if err := r.validateConfig(cfg); err != nil {
		return protocol.TestResult{}, err
	}
	conn := &shared.Connection{
		Protocol: cfg.Protocol,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		BasePath: cfg.BasePath,
	}
	return r.liveTest(ctx, conn, shared.Credential{
		Password:   cfg.Password,
		PrivateKey: cfg.PrivateKey,
	}), nil
}

func (r *Registry) Get(ctx context.Context, id string) (*shared.Connection, error) {
	return r.store.GetConnection(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*shared.Connection, error) {
	return r.store.ListConnections(ctx)
}

// Delete removes the connection and everything hanging off it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteConnection(ctx, id); err != nil {
		return err
	}
	r.logger.Info("connection deleted", map[string]any{"connection_id": id})
	return nil
}

// Adapter builds a ready-to-use adapter for a stored connection.
func (r *Registry) Adapter(ctx context.Context, conn *shared.Connection) (protocol.Adapter, error) {
	cred, err := r.Credential(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	return r.factory.New(conn, cred)
}
