// Package http is the operator-facing API: trigger and cancel sync jobs,
// manage connections, inspect history and status.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"hostsync/pkg/cache"
	"hostsync/pkg/jobs"
	"hostsync/pkg/logger"
	"hostsync/pkg/publisher"
	"hostsync/pkg/registry"
	"hostsync/pkg/shared"
	"hostsync/pkg/store"
)

type HTTPHandler struct {
	store     *store.Store
	registry  *registry.Registry
	jobs      *jobs.Registry
	publisher publisher.TaskPublisher
	listings  *cache.ListingCache
	logger    *logger.Logger
}

type JobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type TestResponse struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type FilesResponse struct {
	ConnectionID string                  `json:"connection_id"`
	Cached       bool                    `json:"cached"`
	FetchedAt    *time.Time              `json:"fetched_at,omitempty"`
	Resources    []shared.RemoteResource `json:"resources"`
}

type StatusResponse struct {
	Connections int                 `json:"connections"`
	ActiveJobs  int                 `json:"active_jobs"`
	RunningJobs []jobs.Entry        `json:"running_jobs"`
	LastSync    *shared.SyncHistory `json:"last_sync,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}

func NewHTTPHandler(st *store.Store, reg *registry.Registry, jobReg *jobs.Registry, pub publisher.TaskPublisher, listings *cache.ListingCache) *HTTPHandler {
	return &HTTPHandler{
		store:     st,
		registry:  reg,
		jobs:      jobReg,
		publisher: pub,
		listings:  listings,
		logger:    logger.NewDefault(),
	}
}

// RegisterRoutes attaches every endpoint to the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync", h.TriggerBulkSync)
	mux.HandleFunc("POST /sync/connection/{id}", h.TriggerConnectionSync)
	mux.HandleFunc("GET /connections", h.ListConnections)
	mux.HandleFunc("POST /connections", h.CreateConnection)
	mux.HandleFunc("POST /connections/test", h.TestConnectionConfig)
	mux.HandleFunc("POST /connections/{id}/test", h.TestConnection)
	mux.HandleFunc("DELETE /connections/{id}", h.DeleteConnection)
	mux.HandleFunc("GET /connections/{id}/files", h.ListConnectionFiles)
	mux.HandleFunc("GET /job/{id}", h.GetJob)
	mux.HandleFunc("POST /job/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /history", h.GetHistory)
	mux.HandleFunc("GET /status", h.GetStatus)
}

func (h *HTTPHandler) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", err, nil)
	}
}

func (h *HTTPHandler) sendError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, ErrorResponse{Error: message})
}

// TriggerBulkSync starts a sync across all active connections. When a bulk
// job is already in flight the response is 409 carrying its job id.
func (h *HTTPHandler) TriggerBulkSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	job, err := h.store.CreateBulkJob(ctx, uuid.NewString())
	if err != nil {
		if errors.Is(err, store.ErrJobActive) {
			existing, lookupErr := h.store.ActiveBulkJob(ctx)
			resp := ErrorResponse{Error: "a bulk sync is already in progress"}
			if lookupErr == nil {
				resp.JobID = existing.ID
			}
			h.sendJSON(w, http.StatusConflict, resp)
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.publisher.PublishBulkSync(job.ID); err != nil {
		h.logger.Error("publish bulk sync", err, map[string]any{"job_id": job.ID})
		h.failUnpublished(ctx, job.ID, err)
		h.sendError(w, http.StatusInternalServerError, "enqueue sync task: "+err.Error())
		return
	}

	h.sendJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, Status: string(job.Status)})
}

// TriggerConnectionSync starts a sync for one connection. 404 for unknown
// connections, 409 with the active job id when one is already running.
func (h *HTTPHandler) TriggerConnectionSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := r.PathValue("id")

	if _, err := h.store.GetConnection(ctx, connectionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "connection not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := h.store.CreateConnectionJob(ctx, uuid.NewString(), connectionID)
	if err != nil {
		if errors.Is(err, store.ErrJobActive) {
			existing, lookupErr := h.store.ActiveJob(ctx, connectionID)
			resp := ErrorResponse{Error: "a sync is already in progress for this connection"}
			if lookupErr == nil {
				resp.JobID = existing.ID
			}
			h.sendJSON(w, http.StatusConflict, resp)
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.publisher.PublishConnectionSync(job.ID, connectionID); err != nil {
		h.logger.Error("publish connection sync", err, map[string]any{"job_id": job.ID})
		h.failUnpublished(ctx, job.ID, err)
		h.sendError(w, http.StatusInternalServerError, "enqueue sync task: "+err.Error())
		return
	}

	h.sendJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, Status: string(job.Status)})
}

// failUnpublished finalizes a job whose task never made it onto the queue,
// so it does not block future triggers forever.
func (h *HTTPHandler) failUnpublished(ctx context.Context, jobID string, cause error) {
	if err := h.store.FinalizeJob(ctx, jobID, shared.JobFailed, "enqueue task: "+cause.Error()); err != nil {
		h.logger.Error("finalize unpublished job", err, map[string]any{"job_id": jobID})
	}
}

func (h *HTTPHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.registry.List(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conns == nil {
		conns = []*shared.Connection{}
	}
	h.sendJSON(w, http.StatusOK, conns)
}

func (h *HTTPHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var cfg shared.ConnectionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	conn, err := h.registry.Add(r.Context(), &cfg)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.sendJSON(w, http.StatusCreated, conn)
}

func (h *HTTPHandler) TestConnectionConfig(w http.ResponseWriter, r *http.Request) {
	var cfg shared.ConnectionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	result, err := h.registry.TestConfig(r.Context(), &cfg)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, TestResponse{OK: result.OK, Detail: result.Detail})
}

func (h *HTTPHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	result, err := h.registry.Test(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "connection not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, TestResponse{OK: result.OK, Detail: result.Detail})
}

func (h *HTTPHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("id")

	if err := h.registry.Delete(r.Context(), connectionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "connection not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.listings != nil {
		if err := h.listings.Invalidate(r.Context(), connectionID); err != nil {
			h.logger.Warn("invalidate listing cache", map[string]any{
				"connection_id": connectionID, "error": err.Error(),
			})
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConnectionFiles serves the cached listing when fresh, otherwise lists
// the remote host live and refreshes the cache.
func (h *HTTPHandler) ListConnectionFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := r.PathValue("id")

	conn, err := h.registry.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "connection not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.listings != nil {
		if resources, fetchedAt, err := h.listings.Get(ctx, connectionID); err == nil {
			h.sendJSON(w, http.StatusOK, FilesResponse{
				ConnectionID: connectionID,
				Cached:       true,
				FetchedAt:    &fetchedAt,
				Resources:    resources,
			})
			return
		} else if !errors.Is(err, cache.ErrMiss) {
			h.logger.Warn("read listing cache", map[string]any{
				"connection_id": connectionID, "error": err.Error(),
			})
		}
	}

	adapter, err := h.registry.Adapter(ctx, conn)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resources, err := adapter.ListFiles(ctx, conn.BasePath)
	if err != nil {
		h.sendError(w, http.StatusBadGateway, "list files: "+err.Error())
		return
	}
	if resources == nil {
		resources = []shared.RemoteResource{}
	}

	if h.listings != nil {
		if err := h.listings.Put(ctx, connectionID, resources); err != nil {
			h.logger.Warn("refresh listing cache", map[string]any{
				"connection_id": connectionID, "error": err.Error(),
			})
		}
	}
	h.sendJSON(w, http.StatusOK, FilesResponse{ConnectionID: connectionID, Resources: resources})
}

func (h *HTTPHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "job not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, job)
}

// CancelJob cancels a pending job directly in the store; a running job is
// cancelled through its context and unwinds at the next checkpoint. 400 for
// jobs already terminal.
func (h *HTTPHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "job not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch job.Status {
	case shared.JobPending:
		if err := h.store.CancelPendingJob(ctx, jobID); err != nil {
			if errors.Is(err, store.ErrNotPending) {
				// Started between the read and the cancel; fall through to
				// the running path.
				break
			}
			h.sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.sendJSON(w, http.StatusOK, JobResponse{JobID: jobID, Status: string(shared.JobCancelled)})
		return
	case shared.JobRunning:
	default:
		h.sendError(w, http.StatusBadRequest, "job already "+string(job.Status))
		return
	}

	if h.jobs.Cancel(jobID) {
		h.sendJSON(w, http.StatusOK, JobResponse{
			JobID:   jobID,
			Status:  string(shared.JobRunning),
			Message: "cancellation requested",
		})
		return
	}

	// Running in the store but not registered here: the worker died without
	// finalizing. Close it out so the connection is not blocked forever.
	if err := h.store.FinalizeJob(ctx, jobID, shared.JobCancelled, "cancelled while orphaned"); err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, JobResponse{JobID: jobID, Status: string(shared.JobCancelled)})
}

func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	filter := store.HistoryFilter{
		ConnectionID: r.URL.Query().Get("connection_id"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.sendError(w, http.StatusBadRequest, "invalid days")
			return
		}
		filter.Days = n
	}

	histories, err := h.store.QueryHistory(r.Context(), filter)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if histories == nil {
		histories = []*shared.SyncHistory{}
	}
	h.sendJSON(w, http.StatusOK, histories)
}

func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conns, err := h.registry.List(ctx)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	activeJobs, err := h.store.CountActiveJobs(ctx)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := StatusResponse{
		Connections: len(conns),
		ActiveJobs:  activeJobs,
		RunningJobs: h.jobs.ListActive(),
	}
	if resp.RunningJobs == nil {
		resp.RunningJobs = []jobs.Entry{}
	}
	if last, err := h.store.LastHistory(ctx); err == nil {
		resp.LastSync = last
	} else if !errors.Is(err, store.ErrNotFound) {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, resp)
}
