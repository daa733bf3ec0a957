package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"hostsync/pkg/shared"
)

// maxListDepth bounds directory recursion for adapters that walk trees
// themselves; deeply nested or looping hierarchies stop here instead of
// hanging a worker.
const maxListDepth = 16

// sftpAdapter holds an SSH+SFTP session for the duration of one call.
type sftpAdapter struct {
	host     string
	port     int
	username string
	basePath string
	cred     shared.Credential
	timeout  time.Duration
}

func newSFTPAdapter(conn *shared.Connection, cred shared.Credential, timeout time.Duration) (Adapter, error) {
	port := conn.Port
	if port == 0 {
		port = 22
	}
	return &sftpAdapter{
		host:     conn.Host,
		port:     port,
		username: conn.Username,
		basePath: conn.BasePath,
		cred:     cred,
		timeout:  timeout,
	}, nil
}

func (a *sftpAdapter) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	config, err := sshClientConfig(a.username, a.cred, a.timeout)
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	sshConn, err := sshDialContext(ctx, addr, config)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ssh: %w", err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, nil, fmt.Errorf("initialize sftp subsystem: %w", err)
	}
	return sshConn, client, nil
}

func (a *sftpAdapter) Test(ctx context.Context) TestResult {
	sshConn, client, err := a.connect(ctx)
	if err != nil {
		return TestResult{Detail: err.Error()}
	}
	defer sshConn.Close()
	defer client.Close()

	probe := a.basePath
	if probe == "" {
		probe = "."
	}
	if _, err := client.Stat(probe); err != nil {
		return TestResult{Detail: fmt.Sprintf("stat %s: %v", probe, err)}
	}
	return TestResult{OK: true, Detail: fmt.Sprintf("sftp connection to %s successful", a.host)}
}

func (a *sftpAdapter) ListFiles(ctx context.Context, root string) ([]shared.RemoteResource, error) {
	if root == "" {
		root = a.basePath
	}
	if root == "" {
		root = "."
	}

	sshConn, client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer sshConn.Close()
	defer client.Close()

	visited := map[string]bool{}
	var resources []shared.RemoteResource
	if err := a.walk(ctx, client, root, 0, visited, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

func (a *sftpAdapter) walk(ctx context.Context, client *sftp.Client, dir string, depth int, visited map[string]bool, out *[]shared.RemoteResource) error {
	if depth > maxListDepth {
		return nil
	}
	canonical := path.Clean(dir)
	if visited[canonical] {
		return nil
	}
	visited[canonical] = true

	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := client.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." || (len(name) > 0 && name[0] == '.') {
			continue
		}
		full := path.Join(dir, name)

		if entry.IsDir() {
			*out = append(*out, shared.RemoteResource{
				Path:     full,
				Name:     name,
				Modified: entry.ModTime().UTC(),
				Kind:     shared.ResourceDir,
			})
			if err := a.walk(ctx, client, full, depth+1, visited, out); err != nil {
				return err
			}
			continue
		}
		if entry.Mode()&os.ModeSymlink != 0 {
			// Following links reopens the cycle problem; the walk sticks
			// to the real tree.
			continue
		}
		*out = append(*out, shared.RemoteResource{
			Path:     full,
			Name:     name,
			Size:     entry.Size(),
			Modified: entry.ModTime().UTC(),
			Kind:     shared.ResourceFile,
		})
	}
	return nil
}

func (a *sftpAdapter) GetContent(ctx context.Context, filePath string) (string, error) {
	sshConn, client, err := a.connect(ctx)
	if err != nil {
		return "", err
	}
	defer sshConn.Close()
	defer client.Close()

	f, err := client.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open remote file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxContentBytes))
	if err != nil {
		return "", fmt.Errorf("read remote file: %w", err)
	}

	text, ok := decodeText(data)
	if !ok {
		return "", ErrNoContent
	}
	return text, nil
}
