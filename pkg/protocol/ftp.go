package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"hostsync/pkg/shared"
)

// ftpAdapter dials a fresh control connection per call.
type ftpAdapter struct {
	host     string
	port     int
	username string
	basePath string
	cred     shared.Credential
	timeout  time.Duration
}

func newFTPAdapter(conn *shared.Connection, cred shared.Credential, timeout time.Duration) (Adapter, error) {
	port := conn.Port
	if port == 0 {
		port = 21
	}
	return &ftpAdapter{
		host:     conn.Host,
		port:     port,
		username: conn.Username,
		basePath: conn.BasePath,
		cred:     cred,
		timeout:  timeout,
	}, nil
}

func (a *ftpAdapter) connect(ctx context.Context) (*ftp.ServerConn, error) {
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(a.timeout))
	if err != nil {
		return nil, fmt.Errorf("dial ftp: %w", err)
	}

	user := a.username
	pass := a.cred.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return conn, nil
}

func (a *ftpAdapter) Test(ctx context.Context) TestResult {
	conn, err := a.connect(ctx)
	if err != nil {
		return TestResult{Detail: err.Error()}
	}
	defer conn.Quit()

	if a.basePath != "" {
		if _, err := conn.List(a.basePath); err != nil {
			return TestResult{Detail: fmt.Sprintf("list %s: %v", a.basePath, err)}
		}
	}
	return TestResult{OK: true, Detail: fmt.Sprintf("ftp connection to %s successful", a.host)}
}

func (a *ftpAdapter) ListFiles(ctx context.Context, root string) ([]shared.RemoteResource, error) {
	if root == "" {
		root = a.basePath
	}
	if root == "" {
		root = "/"
	}

	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	visited := map[string]bool{}
	var resources []shared.RemoteResource
	if err := a.walk(ctx, conn, root, 0, visited, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

func (a *ftpAdapter) walk(ctx context.Context, conn *ftp.ServerConn, dir string, depth int, visited map[string]bool, out *[]shared.RemoteResource) error {
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

	entries, err := conn.List(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name
		if name == "." || name == ".." || (len(name) > 0 && name[0] == '.') {
			continue
		}
		full := path.Join(dir, name)

		switch entry.Type {
		case ftp.EntryTypeFolder:
			*out = append(*out, shared.RemoteResource{
				Path:     full,
				Name:     name,
				Modified: entry.Time.UTC(),
				Kind:     shared.ResourceDir,
			})
			if err := a.walk(ctx, conn, full, depth+1, visited, out); err != nil {
				return err
			}
		case ftp.EntryTypeFile:
			*out = append(*out, shared.RemoteResource{
				Path:     full,
				Name:     name,
				Size:     int64(entry.Size),
				Modified: entry.Time.UTC(),
				Kind:     shared.ResourceFile,
			})
		}
		// Links are skipped: following them reopens cycles.
	}
	return nil
}

func (a *ftpAdapter) GetContent(ctx context.Context, filePath string) (string, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Quit()

	resp, err := conn.Retr(filePath)
	if err != nil {
		return "", fmt.Errorf("retrieve %s: %w", filePath, err)
	}
	defer resp.Close()

	data, err := io.ReadAll(io.LimitReader(resp, maxContentBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filePath, err)
	}

	text, ok := decodeText(data)
	if !ok {
		return "", ErrNoContent
	}
	return text, nil
}
