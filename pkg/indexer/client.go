// Package indexer is the client for the downstream indexing service that
// receives synced document batches.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"hostsync/pkg/shared"
)

// Document is one file's text plus identifying metadata, shaped the way the
// indexing service ingests it.
type Document struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

type embedRequest struct {
	Documents []Document `json:"documents"`
}

// Client posts document batches to the indexing service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BuildDocument assembles the indexable document for one remote file.
func BuildDocument(conn *shared.Connection, res shared.RemoteResource, content string) Document {
	return Document{
		Content: content,
		Metadata: map[string]string{
			"connection_id":   conn.ID,
			"connection_name": conn.Name,
			"host":            conn.Host,
			"protocol":        string(conn.Protocol),
			"path":            res.Path,
			"file_name":       res.Name,
			"size":            strconv.FormatInt(res.Size, 10),
			"modified":        res.Modified.UTC().Format(time.RFC3339),
			"content_hash":    strconv.FormatUint(xxhash.Sum64String(content), 16),
		},
	}
}

// IndexBatch sends one batch of documents. An empty batch is a no-op.
func (c *Client) IndexBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	payload, err := json.Marshal(embedRequest{Documents: docs})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	url := c.baseURL + "/embed/documents"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("index batch of %d: service returned %s: %s",
			len(docs), resp.Status, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
