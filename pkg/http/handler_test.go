package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostsync/pkg/jobs"
	"hostsync/pkg/protocol"
	"hostsync/pkg/registry"
	"hostsync/pkg/shared"
	"hostsync/pkg/store"
	"hostsync/pkg/vault"
)

type stubPublisher struct {
	connectionJobs []string
	bulkJobs       []string
	fail           bool
}

func (s *stubPublisher) PublishConnectionSync(jobID, connectionID string) error {
	if s.fail {
		return fmt.Errorf("redis unavailable")
	}
	s.connectionJobs = append(s.connectionJobs, jobID)
	return nil
}

func (s *stubPublisher) PublishBulkSync(jobID string) error {
	if s.fail {
		return fmt.Errorf("redis unavailable")
	}
	s.bulkJobs = append(s.bulkJobs, jobID)
	return nil
}

type stubAdapter struct {
	result    protocol.TestResult
	resources []shared.RemoteResource
}

func (s *stubAdapter) Test(context.Context) protocol.TestResult { return s.result }
func (s *stubAdapter) ListFiles(context.Context, string) ([]shared.RemoteResource, error) {
	return s.resources, nil
}
func (s *stubAdapter) GetContent(context.Context, string) (string, error) { return "", nil }

type fixture struct {
	store     *store.Store
	jobs      *jobs.Registry
	publisher *stubPublisher
	adapter   *stubAdapter
	server    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "hostsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := vault.Open(filepath.Join(dir, "vault.key"))
	require.NoError(t, err)

	f := &fixture{
		store:     st,
		jobs:      jobs.NewRegistry(),
		publisher: &stubPublisher{},
		adapter:   &stubAdapter{result: protocol.TestResult{OK: true, Detail: "ok"}},
	}

	factory := protocol.NewFactory(time.Second)
	factory.Register(shared.ProtocolSFTP, func(*shared.Connection, shared.Credential, time.Duration) (protocol.Adapter, error) {
		return f.adapter, nil
	})

	handler := NewHTTPHandler(st, registry.New(st, v, factory), f.jobs, f.publisher, nil)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	decoded := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func (f *fixture) addConnection(t *testing.T, id string) *shared.Connection {
	t.Helper()
	conn := &shared.Connection{
		ID:        id,
		Name:      id,
		Protocol:  shared.ProtocolSFTP,
		Host:      "files.example.com",
		BasePath:  "/srv",
		Status:    shared.ConnectionActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateConnection(context.Background(), conn, nil))
	return conn
}

func TestTriggerConnectionSync(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")

	resp, body := f.request(t, http.MethodPost, "/sync/connection/"+conn.ID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["job_id"].(string)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, []string{jobID}, f.publisher.connectionJobs)

	// Second trigger while the first is pending: conflict with the job id.
	resp, body = f.request(t, http.MethodPost, "/sync/connection/"+conn.ID, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, jobID, body["job_id"])
	assert.Len(t, f.publisher.connectionJobs, 1)
}

func TestTriggerConnectionSyncUnknownConnection(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/sync/connection/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerBulkSync(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["job_id"].(string)
	assert.Equal(t, []string{jobID}, f.publisher.bulkJobs)

	resp, body = f.request(t, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, jobID, body["job_id"])
}

func TestTriggerSyncPublishFailureReleasesJob(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")
	f.publisher.fail = true

	resp, _ := f.request(t, http.MethodPost, "/sync/connection/"+conn.ID, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The failed job must not block the next trigger.
	f.publisher.fail = false
	resp, _ = f.request(t, http.MethodPost, "/sync/connection/"+conn.ID, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCreateConnection(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/connections", shared.ConnectionConfig{
		Name:     "fileserver",
		Protocol: shared.ProtocolSFTP,
		Host:     "files.example.com",
		Username: "deploy",
		Password: "hunter2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "active", body["status"])
	assert.NotEmpty(t, body["id"])

	resp, body = f.request(t, http.MethodPost, "/connections", shared.ConnectionConfig{
		Name:     "broken",
		Protocol: shared.ProtocolSFTP,
		Host:     "files.example.com",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "username")
}

func TestTestConnectionEndpoints(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")

	resp, body := f.request(t, http.MethodPost, "/connections/test", shared.ConnectionConfig{
		Name:     "probe",
		Protocol: shared.ProtocolSFTP,
		Host:     "files.example.com",
		Username: "deploy",
		Password: "pw",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, body = f.request(t, http.MethodPost, "/connections/"+conn.ID+"/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, _ = f.request(t, http.MethodPost, "/connections/nope/test", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")

	resp, _ := f.request(t, http.MethodDelete, "/connections/"+conn.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.request(t, http.MethodDelete, "/connections/"+conn.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListConnectionFilesLive(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")
	f.adapter.resources = []shared.RemoteResource{
		{Path: "/srv/a.txt", Name: "a.txt", Kind: shared.ResourceFile},
	}

	resp, body := f.request(t, http.MethodGet, "/connections/"+conn.ID+"/files", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["cached"])
	assert.Len(t, body["resources"], 1)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")
	job, err := f.store.CreateConnectionJob(context.Background(), "j1", conn.ID)
	require.NoError(t, err)

	resp, body := f.request(t, http.MethodGet, "/job/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	resp, _ = f.request(t, http.MethodGet, "/job/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")
	ctx := context.Background()

	resp, _ := f.request(t, http.MethodPost, "/job/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Pending: cancelled directly in the store.
	job, err := f.store.CreateConnectionJob(ctx, "j1", conn.ID)
	require.NoError(t, err)
	resp, body := f.request(t, http.MethodPost, "/job/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.JobCancelled, got.Status)

	// Terminal: cancel refused.
	resp, body = f.request(t, http.MethodPost, "/job/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "cancelled")
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")
	ctx := context.Background()

	job, err := f.store.CreateConnectionJob(ctx, "j1", conn.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkJobRunning(ctx, job.ID))
	jobCtx, cancel := f.jobs.Register(ctx, job.ID, conn.ID)
	defer cancel()

	resp, body := f.request(t, http.MethodPost, "/job/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancellation requested", body["message"])

	select {
	case <-jobCtx.Done():
	default:
		t.Fatal("job context not cancelled")
	}
}

func TestCancelOrphanedRunningJob(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")
	ctx := context.Background()

	// Running in the store but nothing registered in-process.
	job, err := f.store.CreateConnectionJob(ctx, "j1", conn.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkJobRunning(ctx, job.ID))

	resp, body := f.request(t, http.MethodPost, "/job/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.JobCancelled, got.Status)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	conn := f.addConnection(t, "c1")
	ctx := context.Background()

	id, err := f.store.StartHistory(ctx, "j1", conn.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.FinishHistory(ctx, id, shared.HistorySuccess, 3, 3, ""))

	resp, _ := f.request(t, http.MethodGet, "/history?connection_id="+conn.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	f.addConnection(t, "c1")

	resp, body := f.request(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["connections"])
	assert.Equal(t, float64(0), body["active_jobs"])
}
