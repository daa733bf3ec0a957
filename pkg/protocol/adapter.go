package protocol

import (
	"context"
	"fmt"
	"time"

	"hostsync/pkg/shared"
)

// TestResult is the outcome of probing a connection. A failed probe is data,
// not an error: the detail carries the human-readable reason.
type TestResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Adapter is the uniform contract every transport implements. ListFiles
// recurses through subdirectories, skips hidden and self-referential
// entries, and terminates on cyclic or very deep trees. GetContent returns
// best-effort decoded text; undecodable bytes yield an empty string with
// ErrNoContent.
type Adapter interface {
	Test(ctx context.Context) TestResult
	ListFiles(ctx context.Context, path string) ([]shared.RemoteResource, error)
	GetContent(ctx context.Context, path string) (string, error)
}

// ErrNoContent marks a file whose bytes could not be decoded as text.
var ErrNoContent = fmt.Errorf("no decodable content")

// Constructor builds an adapter for one connection with decrypted
// credentials.
type Constructor func(conn *shared.Connection, cred shared.Credential, timeout time.Duration) (Adapter, error)

// Factory selects an adapter constructor by protocol. New transports
// register a constructor; nothing else branches on the protocol enum.
type Factory struct {
	timeout      time.Duration
	constructors map[shared.Protocol]Constructor
}

func NewFactory(timeout time.Duration) *Factory {
	f := &Factory{
		timeout:      timeout,
		constructors: make(map[shared.Protocol]Constructor),
	}
	f.Register(shared.ProtocolSSH, newSSHAdapter)
	f.Register(shared.ProtocolSFTP, newSFTPAdapter)
	f.Register(shared.ProtocolFTP, newFTPAdapter)
	f.Register(shared.ProtocolHTTP, newHTTPAdapter)
	f.Register(shared.ProtocolHTTPS, newHTTPAdapter)
	f.Register(shared.ProtocolRsync, newRsyncAdapter)
	f.Register(shared.ProtocolS3, newS3Adapter)
	return f
}

// Register installs a constructor for a protocol, replacing any existing
// one. Tests use this to install fakes.
func (f *Factory) Register(p shared.Protocol, c Constructor) {
	f.constructors[p] = c
}

// New builds an adapter for the connection's protocol.
func (f *Factory) New(conn *shared.Connection, cred shared.Credential) (Adapter, error) {
	c, ok := f.constructors[conn.Protocol]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol: %s", conn.Protocol)
	}
	return c(conn, cred, f.timeout)
}
