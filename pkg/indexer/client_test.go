package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostsync/pkg/shared"
)

func TestIndexBatch(t *testing.T) {
	var got embedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/embed/documents", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	docs := []Document{
		{Content: "hello", Metadata: map[string]string{"path": "/a"}},
		{Content: "world", Metadata: map[string]string{"path": "/b"}},
	}
	require.NoError(t, client.IndexBatch(context.Background(), docs))
	require.Len(t, got.Documents, 2)
	assert.Equal(t, "hello", got.Documents[0].Content)
	assert.Equal(t, "/a", got.Documents[0].Metadata["path"])
}

func TestIndexBatchEmpty(t *testing.T) {
	// No server at all: an empty batch never reaches the network.
	client := NewClient("http://127.0.0.1:0", time.Second)
	assert.NoError(t, client.IndexBatch(context.Background(), nil))
}

func TestIndexBatchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	err := client.IndexBatch(context.Background(), []Document{{Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestBuildDocument(t *testing.T) {
	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	conn := &shared.Connection{
		ID:       "c1",
		Name:     "fileserver",
		Protocol: shared.ProtocolSFTP,
		Host:     "files.example.com",
	}
	doc := BuildDocument(conn, shared.RemoteResource{
		Path:     "/srv/docs/readme.txt",
		Name:     "readme.txt",
		Size:     42,
		Modified: modified,
	}, "contents here")

	assert.Equal(t, "contents here", doc.Content)
	assert.Equal(t, "c1", doc.Metadata["connection_id"])
	assert.Equal(t, "sftp", doc.Metadata["protocol"])
	assert.Equal(t, "42", doc.Metadata["size"])
	assert.Equal(t, "2024-03-01T12:00:00Z", doc.Metadata["modified"])
	assert.NotEmpty(t, doc.Metadata["content_hash"])

	same := BuildDocument(conn, shared.RemoteResource{Path: "/other"}, "contents here")
	assert.Equal(t, doc.Metadata["content_hash"], same.Metadata["content_hash"])
}
