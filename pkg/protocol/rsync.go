package protocol

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hostsync/pkg/shared"
)

// rsyncAdapter shells out to the rsync binary. Daemon mode (rsync://) uses
// RSYNC_PASSWORD; ssh transport writes the private key to a temp file for
// the duration of the call.
type rsyncAdapter struct {
	host     string
	port     int
	username string
	basePath string
	cred     shared.Credential
	timeout  time.Duration
}

func newRsyncAdapter(conn *shared.Connection, cred shared.Credential, timeout time.Duration) (Adapter, error) {
	return &rsyncAdapter{
		host:     conn.Host,
		port:     conn.Port,
		username: conn.Username,
		basePath: conn.BasePath,
		cred:     cred,
		timeout:  timeout,
	}, nil
}

// daemonMode reports whether the remote is an rsync daemon module rather
// than an ssh endpoint. Key-based auth implies ssh; otherwise the daemon
// protocol is assumed.
func (a *rsyncAdapter) daemonMode() bool {
	return a.cred.PrivateKey == ""
}

func (a *rsyncAdapter) remoteSpec(p string) string {
	if a.daemonMode() {
		host := a.host
		if a.port != 0 && a.port != 873 {
			host = net.JoinHostPort(a.host, strconv.Itoa(a.port))
		}
		spec := "rsync://"
		if a.username != "" {
			spec += a.username + "@"
		}
		return spec + host + "/" + strings.TrimPrefix(p, "/")
	}
	return fmt.Sprintf("%s@%s:%s", a.username, a.host, p)
}

func (a *rsyncAdapter) command(ctx context.Context, args ...string) (*exec.Cmd, func(), error) {
	cleanup := func() {}
	cmd := exec.CommandContext(ctx, "rsync", args...)
	cmd.Env = os.Environ()

	if a.daemonMode() {
		if a.cred.Password != "" {
			cmd.Env = append(cmd.Env, "RSYNC_PASSWORD="+a.cred.Password)
		}
		return cmd, cleanup, nil
	}

	keyFile, err := os.CreateTemp("", "hostsync-rsync-key-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create temp key file: %w", err)
	}
	if _, err := keyFile.WriteString(a.cred.PrivateKey); err != nil {
		keyFile.Close()
		os.Remove(keyFile.Name())
		return nil, nil, fmt.Errorf("write temp key file: %w", err)
	}
	keyFile.Close()
	if err := os.Chmod(keyFile.Name(), 0600); err != nil {
		os.Remove(keyFile.Name())
		return nil, nil, fmt.Errorf("chmod temp key file: %w", err)
	}
	cleanup = func() { os.Remove(keyFile.Name()) }

	sshPort := a.port
	if sshPort == 0 {
		sshPort = 22
	}
	rsh := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o BatchMode=yes -p %d", keyFile.Name(), sshPort)
	cmd.Args = append(cmd.Args[:1], append([]string{"-e", rsh}, args...)...)
	return cmd, cleanup, nil
}

func (a *rsyncAdapter) Test(ctx context.Context) TestResult {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd, cleanup, err := a.command(ctx, "--list-only", a.remoteSpec(a.basePath)+"/")
	if err != nil {
		return TestResult{Detail: err.Error()}
	}
	defer cleanup()

	if out, err := cmd.CombinedOutput(); err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return TestResult{Detail: fmt.Sprintf("rsync probe failed: %s", detail)}
	}
	return TestResult{OK: true, Detail: fmt.Sprintf("rsync connection to %s successful", a.host)}
}

func (a *rsyncAdapter) ListFiles(ctx context.Context, root string) ([]shared.RemoteResource, error) {
	if root == "" {
		root = a.basePath
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd, cleanup, err := a.command(ctx, "--list-only", "--recursive", a.remoteSpec(root)+"/")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("rsync list: %w", err)
	}

	var resources []shared.RemoteResource
	for _, line := range strings.Split(string(out), "\n") {
		res, ok := parseRsyncListLine(line)
		if !ok || hiddenPath(res.Path) {
			continue
		}
		res.Path = path.Join(root, res.Path)
		resources = append(resources, res)
	}
	return resources, nil
}

// parseRsyncListLine parses one --list-only line:
//
//	-rw-r--r--          1,234 2024/01/02 03:04:05 docs/readme.txt
func parseRsyncListLine(line string) (shared.RemoteResource, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return shared.RemoteResource{}, false
	}

	mode := fields[0]
	name := strings.Join(fields[4:], " ")
	if name == "." || name == ".." {
		return shared.RemoteResource{}, false
	}

	var kind shared.ResourceKind
	switch mode[0] {
	case 'd':
		kind = shared.ResourceDir
	case '-':
		kind = shared.ResourceFile
	default:
		// Links and specials are skipped.
		return shared.RemoteResource{}, false
	}

	size, _ := strconv.ParseInt(strings.ReplaceAll(fields[1], ",", ""), 10, 64)
	modified, _ := time.Parse("2006/01/02 15:04:05", fields[2]+" "+fields[3])

	return shared.RemoteResource{
		Path:     name,
		Name:     path.Base(name),
		Size:     size,
		Modified: modified.UTC(),
		Kind:     kind,
	}, true
}

func (a *rsyncAdapter) GetContent(ctx context.Context, filePath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "hostsync-rsync-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	local := filepath.Join(tmpDir, "content")
	cmd, cleanup, err := a.command(ctx, a.remoteSpec(filePath), local)
	if err != nil {
		return "", err
	}
	defer cleanup()

	if out, err := cmd.CombinedOutput(); err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("rsync fetch %s: %s", filePath, detail)
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return "", fmt.Errorf("read fetched file: %w", err)
	}
	if len(data) > maxContentBytes {
		data = data[:maxContentBytes]
	}

	text, ok := decodeText(data)
	if !ok {
		return "", ErrNoContent
	}
	return text, nil
}
