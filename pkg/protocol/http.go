package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"hostsync/pkg/shared"
)

// maxListingPages bounds the crawl: a listing that keeps producing new
// subdirectory URLs (generated trees, loops through rewrites) terminates
// with an error instead of hanging its worker.
const maxListingPages = 2000

// httpAdapter crawls server-generated directory listings. Serves both http
// and https; the scheme comes from the connection's protocol.
type httpAdapter struct {
	scheme   string
	host     string
	port     int
	username string
	basePath string
	cred     shared.Credential
	client   *http.Client
}

func newHTTPAdapter(conn *shared.Connection, cred shared.Credential, timeout time.Duration) (Adapter, error) {
	scheme := "http"
	if conn.Protocol == shared.ProtocolHTTPS {
		scheme = "https"
	}
	return &httpAdapter{
		scheme:   scheme,
		host:     conn.Host,
		port:     conn.Port,
		username: conn.Username,
		basePath: conn.BasePath,
		cred:     cred,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (a *httpAdapter) baseURL() *url.URL {
	host := a.host
	if a.port != 0 {
		host = net.JoinHostPort(a.host, strconv.Itoa(a.port))
	}
	basePath := a.basePath
	if basePath == "" {
		basePath = "/"
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	return &url.URL{Scheme: a.scheme, Host: host, Path: basePath}
}

func (a *httpAdapter) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if a.username != "" || a.cred.Password != "" {
		req.SetBasicAuth(a.username, a.cred.Password)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", u, err)
	}
	return resp, nil
}

func (a *httpAdapter) Test(ctx context.Context) TestResult {
	resp, err := a.get(ctx, a.baseURL().String())
	if err != nil {
		return TestResult{Detail: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return TestResult{Detail: fmt.Sprintf("server returned %s", resp.Status)}
	}
	return TestResult{OK: true, Detail: fmt.Sprintf("http connection to %s successful (%s)", a.host, resp.Status)}
}

// ListFiles crawls directory listing pages breadth-first under root. A
// visited set keyed by canonical URL makes cyclic listings terminate; links
// outside the root, query links, and hidden names are skipped.
func (a *httpAdapter) ListFiles(ctx context.Context, root string) ([]shared.RemoteResource, error) {
	base := a.baseURL()
	start := base
	if root != "" && root != a.basePath {
		ref := &url.URL{Path: root}
		start = base.ResolveReference(ref)
		if !strings.HasSuffix(start.Path, "/") {
			start.Path += "/"
		}
	}

	visited := map[string]bool{}
	queue := []*url.URL{start}
	var resources []shared.RemoteResource

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := queue[0]
		queue = queue[1:]

		canonical := dir.String()
		if visited[canonical] {
			continue
		}
		visited[canonical] = true
		if len(visited) > maxListingPages {
			return nil, fmt.Errorf("listing exceeded %d pages under %s", maxListingPages, start)
		}

		links, err := a.fetchListing(ctx, dir)
		if err != nil {
			// One unreadable subdirectory does not fail the whole listing,
			// except at the root where there is nothing to return.
			if len(resources) == 0 && len(queue) == 0 {
				return nil, err
			}
			continue
		}

		for _, link := range links {
			target := dir.ResolveReference(link)
			if target.Scheme != base.Scheme || target.Host != base.Host {
				continue
			}
			if link.RawQuery != "" || link.Fragment != "" {
				continue
			}
			// Self-referential and upward links would crawl outside root.
			if !strings.HasPrefix(target.Path, start.Path) || target.Path == dir.Path {
				continue
			}

			name := linkName(target.Path)
			if name == "" || name[0] == '.' {
				continue
			}

			if strings.HasSuffix(target.Path, "/") {
				resources = append(resources, shared.RemoteResource{
					Path: strings.TrimSuffix(target.Path, "/"),
					Name: name,
					Kind: shared.ResourceDir,
				})
				queue = append(queue, target)
				continue
			}
			resources = append(resources, shared.RemoteResource{
				Path: target.Path,
				Name: name,
				Kind: shared.ResourceFile,
			})
		}
	}
	return resources, nil
}

func (a *httpAdapter) fetchListing(ctx context.Context, dir *url.URL) ([]*url.URL, error) {
	resp, err := a.get(ctx, dir.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("list %s: server returned %s", dir, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, nil
	}
	return parseListingLinks(resp.Body)
}

// parseListingLinks extracts anchor hrefs from an HTML directory listing.
func parseListingLinks(r io.Reader) ([]*url.URL, error) {
	tokenizer := html.NewTokenizer(r)
	var links []*url.URL
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if tokenizer.Err() == io.EOF {
				return links, nil
			}
			return links, tokenizer.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "a" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key != "href" || attr.Val == "" {
					continue
				}
				if u, err := url.Parse(attr.Val); err == nil {
					links = append(links, u)
				}
			}
		}
	}
}

func linkName(p string) string {
	name := path.Base(strings.TrimSuffix(p, "/"))
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// GetContent fetches one file. Listings are inconsistent about
// percent-encoding, so a 404 on the raw path is retried once with the
// URL-decoded path.
func (a *httpAdapter) GetContent(ctx context.Context, filePath string) (string, error) {
	base := a.baseURL()
	target := base.ResolveReference(&url.URL{Path: filePath})

	body, status, err := a.fetchFile(ctx, target.String())
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		if decoded, decErr := url.PathUnescape(filePath); decErr == nil && decoded != filePath {
			retry := base.ResolveReference(&url.URL{Path: decoded})
			body, status, err = a.fetchFile(ctx, retry.String())
			if err != nil {
				return "", err
			}
		}
	}
	if status >= 400 {
		return "", fmt.Errorf("fetch %s: server returned status %d", filePath, status)
	}

	text, ok := decodeText(body)
	if !ok {
		return "", ErrNoContent
	}
	return text, nil
}

func httpClientWithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (a *httpAdapter) fetchFile(ctx context.Context, u string) ([]byte, int, error) {
	resp, err := a.get(ctx, u)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, nil
	}

	// Honor the declared charset before the byte-level fallback.
	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxContentBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
