package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostsync/pkg/protocol"
	"hostsync/pkg/shared"
	"hostsync/pkg/store"
	"hostsync/pkg/vault"
)

type stubAdapter struct {
	result protocol.TestResult
}

func (s stubAdapter) Test(context.Context) protocol.TestResult { return s.result }
func (s stubAdapter) ListFiles(context.Context, string) ([]shared.RemoteResource, error) {
	return nil, nil
}
func (s stubAdapter) GetContent(context.Context, string) (string, error) { return "", nil }

func newTestRegistry(t *testing.T, result protocol.TestResult) (*Registry, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "hostsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := vault.Open(filepath.Join(dir, "keys", "vault.key"))
	require.NoError(t, err)

	factory := protocol.NewFactory(time.Second)
	for _, p := range []shared.Protocol{
		shared.ProtocolSSH, shared.ProtocolSFTP, shared.ProtocolFTP,
		shared.ProtocolHTTP, shared.ProtocolHTTPS, shared.ProtocolRsync, shared.ProtocolS3,
	} {
		factory.Register(p, func(*shared.Connection, shared.Credential, time.Duration) (protocol.Adapter, error) {
			return stubAdapter{result: result}, nil
		})
	}
	return New(st, v, factory), st
}

func sshConfig() *shared.ConnectionConfig {
	return &shared.ConnectionConfig{
		Name:     "fileserver",
		Protocol: shared.ProtocolSSH,
		Host:     "files.example.com",
		Port:     22,
		Username: "deploy",
		Password: "hunter2",
		BasePath: "/srv/data",
	}
}

func TestAddEncryptsAndTests(t *testing.T) {
	reg, st := newTestRegistry(t, protocol.TestResult{OK: true, Detail: "connected"})
	ctx := context.Background()

	conn, err := reg.Add(ctx, sshConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, shared.ConnectionActive, conn.Status)
	assert.Equal(t, "connected", conn.LastTestResult)
	require.NotNil(t, conn.LastTested)

	// The stored credential must be ciphertext, not the plaintext password.
	stored, err := st.GetCredential(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEmpty(t, stored.PasswordCipher)
	assert.NotEqual(t, "hunter2", stored.PasswordCipher)

	// And it must round-trip through the vault.
	cred, err := reg.Credential(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cred.Password)
	assert.Empty(t, cred.PrivateKey)
}

func TestAddFailedProbeRecordsError(t *testing.T) {
	reg, _ := newTestRegistry(t, protocol.TestResult{Detail: "connection refused"})

	conn, err := reg.Add(context.Background(), sshConfig())
	require.NoError(t, err)
	assert.Equal(t, shared.ConnectionError, conn.Status)
	assert.Equal(t, "connection refused", conn.LastTestResult)
}

func TestAddValidation(t *testing.T) {
	reg, _ := newTestRegistry(t, protocol.TestResult{OK: true})
	ctx := context.Background()

	missingHost := sshConfig()
	missingHost.Host = ""
	_, err := reg.Add(ctx, missingHost)
	assert.ErrorContains(t, err, "invalid connection config")

	badProtocol := sshConfig()
	badProtocol.Protocol = "gopher"
	_, err = reg.Add(ctx, badProtocol)
	assert.ErrorContains(t, err, "unsupported protocol")

	noSecret := sshConfig()
	noSecret.Password = ""
	_, err = reg.Add(ctx, noSecret)
	assert.ErrorContains(t, err, "password or private key")

	s3NoBucket := &shared.ConnectionConfig{
		Name:     "bucket",
		Protocol: shared.ProtocolS3,
		Host:     "s3.example.com",
		Username: "AKIA",
		Password: "secret",
	}
	_, err = reg.Add(ctx, s3NoBucket)
	assert.ErrorContains(t, err, "bucket")
}

func TestTestConfigDoesNotPersist(t *testing.T) {
	reg, _ := newTestRegistry(t, protocol.TestResult{OK: true, Detail: "ok"})
	ctx := context.Background()

	result, err := reg.TestConfig(ctx, sshConfig())
	require.NoError(t, err)
	assert.True(t, result.OK)

	conns, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestTestUpdatesStoredConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, protocol.TestResult{OK: true, Detail: "ok"})
	ctx := context.Background()

	conn, err := reg.Add(ctx, sshConfig())
	require.NoError(t, err)

	result, err := reg.Test(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, result.OK)

	got, err := reg.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.ConnectionActive, got.Status)

	_, err = reg.Test(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	reg, _ := newTestRegistry(t, protocol.TestResult{OK: true})
	ctx := context.Background()

	conn, err := reg.Add(ctx, sshConfig())
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, conn.ID))
	_, err = reg.Get(ctx, conn.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, reg.Delete(ctx, conn.ID), store.ErrNotFound)
}
