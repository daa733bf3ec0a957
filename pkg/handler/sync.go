// Package handler contains the task queue workers that execute sync jobs.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"hostsync/pkg/jobs"
	"hostsync/pkg/logger"
	"hostsync/pkg/orchestrator"
	"hostsync/pkg/shared"
	"hostsync/pkg/store"
)

// SyncHandler turns queued sync tasks into orchestrator runs. The job row in
// the store is authoritative: a task whose job was cancelled or finalized
// between enqueue and pickup is dropped, not executed.
type SyncHandler struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	registry     *jobs.Registry
	logger       *logger.Logger
}

func NewSyncHandler(st *store.Store, orch *orchestrator.Orchestrator, reg *jobs.Registry) *SyncHandler {
	return &SyncHandler{
		store:        st,
		orchestrator: orch,
		registry:     reg,
		logger:       logger.NewDefault(),
	}
}

// claim transitions the job to running and registers it for cancellation.
// Returns false when the job must not run (already cancelled or finalized).
func (h *SyncHandler) claim(ctx context.Context, jobID string) bool {
	err := h.store.MarkJobRunning(ctx, jobID)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrNotPending) {
		h.logger.Info("skipping job no longer pending", map[string]any{"job_id": jobID})
		return false
	}
	h.logger.Error("mark job running", err, map[string]any{"job_id": jobID})
	return false
}

func (h *SyncHandler) finalize(ctx context.Context, jobID string, runErr error) {
	status := shared.JobCompleted
	message := ""
	switch {
	case errors.Is(runErr, context.Canceled):
		status = shared.JobCancelled
	case runErr != nil:
		status = shared.JobFailed
		message = runErr.Error()
	}
	if err := h.store.FinalizeJob(context.WithoutCancel(ctx), jobID, status, message); err != nil {
		h.logger.Error("finalize job", err, map[string]any{"job_id": jobID})
	}
}

func (h *SyncHandler) HandleConnectionSync(ctx context.Context, task *asynq.Task) error {
	var payload shared.SyncConnectionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	conn, err := h.store.GetConnection(ctx, payload.ConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Connection deleted after the trigger; the job row went with it.
			h.logger.Info("skipping job for deleted connection", map[string]any{
				"job_id":        payload.JobID,
				"connection_id": payload.ConnectionID,
			})
			return nil
		}
		return err
	}

	if !h.claim(ctx, payload.JobID) {
		return nil
	}

	jobCtx, cancel := h.registry.Register(ctx, payload.JobID, payload.ConnectionID)
	defer cancel()
	defer h.registry.Unregister(payload.JobID)

	h.logger.Info("starting connection sync", map[string]any{
		"job_id":        payload.JobID,
		"connection_id": payload.ConnectionID,
		"host":          conn.Host,
	})

	_, runErr := h.orchestrator.SyncConnection(jobCtx, payload.JobID, conn)
	h.finalize(ctx, payload.JobID, runErr)
	return nil
}

func (h *SyncHandler) HandleBulkSync(ctx context.Context, task *asynq.Task) error {
	var payload shared.SyncBulkPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	h.runBulk(ctx, payload.JobID)
	return nil
}

// HandleScheduledBulkSync serves the periodic trigger. Unlike the HTTP path
// there is no pre-created job row, so one is created here; if a bulk job is
// already active the tick is skipped.
func (h *SyncHandler) HandleScheduledBulkSync(ctx context.Context, _ *asynq.Task) error {
	job, err := h.store.CreateBulkJob(ctx, uuid.NewString())
	if err != nil {
		if errors.Is(err, store.ErrJobActive) {
			h.logger.Info("skipping scheduled sync, bulk job already active", nil)
			return nil
		}
		return err
	}
	h.runBulk(ctx, job.ID)
	return nil
}

func (h *SyncHandler) runBulk(ctx context.Context, jobID string) {
	if !h.claim(ctx, jobID) {
		return
	}

	jobCtx, cancel := h.registry.Register(ctx, jobID, "")
	defer cancel()
	defer h.registry.Unregister(jobID)

	h.logger.Info("starting bulk sync", map[string]any{"job_id": jobID})

	outcomes, runErr := h.orchestrator.SyncAll(jobCtx, jobID)

	var failed int
	for _, outcome := range outcomes {
		if outcome.Error != "" {
			failed++
		}
	}
	if runErr == nil && failed > 0 {
		runErr = fmt.Errorf("%d of %d connections failed", failed, len(outcomes))
	}
	h.finalize(ctx, jobID, runErr)
}
