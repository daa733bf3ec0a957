package protocol

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"hostsync/pkg/shared"
)

// sshAdapter executes remote find/cat over an SSH session. A connection is
// dialed per call and closed when the call returns.
type sshAdapter struct {
	host     string
	port     int
	username string
	basePath string
	cred     shared.Credential
	timeout  time.Duration
}

func newSSHAdapter(conn *shared.Connection, cred shared.Credential, timeout time.Duration) (Adapter, error) {
	port := conn.Port
	if port == 0 {
		port = 22
	}
	return &sshAdapter{
		host:     conn.Host,
		port:     port,
		username: conn.Username,
		basePath: conn.BasePath,
		cred:     cred,
		timeout:  timeout,
	}, nil
}

func sshClientConfig(username string, cred shared.Credential, timeout time.Duration) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	if cred.PrivateKey != "" {
		key, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(key)}
	} else if cred.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(cred.Password)}
	} else {
		return nil, fmt.Errorf("either password or private key must be provided")
	}

	return config, nil
}

// sshDialContext dials an SSH client honoring ctx cancellation, which
// ssh.Dial alone does not.
func sshDialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result)
	go func() {
		var client *ssh.Client
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err == nil {
			client = ssh.NewClient(c, chans, reqs)
		}
		select {
		case ch <- result{client, err}:
		case <-ctx.Done():
			if client != nil {
				client.Close()
			}
		}
	}()
	select {
	case res := <-ch:
		return res.client, res.err
	case <-ctx.Done():
		conn.Close()
		return nil, context.Cause(ctx)
	}
}

func (a *sshAdapter) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := sshClientConfig(a.username, a.cred, a.timeout)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	client, err := sshDialContext(ctx, addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	return client, nil
}

func (a *sshAdapter) run(ctx context.Context, client *ssh.Client, command string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("run %q: %w", strings.Fields(command)[0], err)
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	}
}

func (a *sshAdapter) Test(ctx context.Context) TestResult {
	client, err := a.dial(ctx)
	if err != nil {
		return TestResult{Detail: err.Error()}
	}
	defer client.Close()

	if _, err := a.run(ctx, client, "echo ok"); err != nil {
		return TestResult{Detail: err.Error()}
	}
	return TestResult{OK: true, Detail: fmt.Sprintf("ssh connection to %s successful", a.host)}
}

// ListFiles enumerates files and directories with a single remote find,
// reading kind, size, mtime and path from its -printf output.
func (a *sshAdapter) ListFiles(ctx context.Context, root string) ([]shared.RemoteResource, error) {
	if root == "" {
		root = a.basePath
	}
	if root == "" {
		root = "."
	}

	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	command := fmt.Sprintf(
		`find %s -mindepth 1 \( -type f -o -type d \) -printf '%%y|%%s|%%T@|%%p\n'`,
		shellQuote(root))
	out, err := a.run(ctx, client, command)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	var resources []shared.RemoteResource
	for _, line := range strings.Split(string(out), "\n") {
		res, ok := parseFindLine(line)
		if !ok || hiddenPath(res.Path) {
			continue
		}
		resources = append(resources, res)
	}
	return resources, nil
}

func parseFindLine(line string) (shared.RemoteResource, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 4)
	if len(parts) != 4 {
		return shared.RemoteResource{}, false
	}

	kind := shared.ResourceFile
	if parts[0] == "d" {
		kind = shared.ResourceDir
	}
	size, _ := strconv.ParseInt(parts[1], 10, 64)
	epoch, _ := strconv.ParseFloat(parts[2], 64)

	return shared.RemoteResource{
		Path:     parts[3],
		Name:     path.Base(parts[3]),
		Size:     size,
		Modified: time.Unix(int64(epoch), 0).UTC(),
		Kind:     kind,
	}, true
}

func (a *sshAdapter) GetContent(ctx context.Context, filePath string) (string, error) {
	client, err := a.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	out, err := a.run(ctx, client, fmt.Sprintf("cat %s", shellQuote(filePath)))
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}
	if len(out) > maxContentBytes {
		out = out[:maxContentBytes]
	}

	text, ok := decodeText(out)
	if !ok {
		return "", ErrNoContent
	}
	return text, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// hiddenPath reports whether any component of p is a dotfile.
func hiddenPath(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if len(part) > 1 && part[0] == '.' && part != ".." {
			return true
		}
	}
	return false
}
