// Package jobs tracks sync jobs currently executing in this process. The
// durable job rows live in the store; the registry only holds what cannot be
// persisted, the cancel function of each running job's context.
package jobs

import (
	"context"
	"sync"
	"time"
)

// Entry describes one running job.
type Entry struct {
	JobID        string
	ConnectionID string
	RegisteredAt time.Time
}

type running struct {
	entry  Entry
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is a thread-safe map of running jobs. All methods may be called
// concurrently from HTTP handlers and task workers.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*running
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*running)}
}

// Register derives a cancellable context for the job and records it. The
// returned context must be passed to the job's work; Unregister releases the
// slot when the work finishes.
func (r *Registry) Register(ctx context.Context, jobID, connectionID string) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = &running{
		entry: Entry{
			JobID:        jobID,
			ConnectionID: connectionID,
			RegisteredAt: time.Now().UTC(),
		},
		ctx:    jobCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	return jobCtx, cancel
}

// Unregister removes a finished job. Unknown IDs are ignored so callers can
// defer it unconditionally.
func (r *Registry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.cancel()
		close(job.done)
		delete(r.jobs, jobID)
	}
}

// Cancel requests cancellation of a running job. It reports whether the job
// was present; the job itself unwinds asynchronously and unregisters when its
// checkpoints observe the cancelled context.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	job.cancel()
	return true
}

// Running reports whether the job is currently executing in this process.
func (r *Registry) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}

// ListActive returns a snapshot of running jobs ordered by nothing in
// particular.
func (r *Registry) ListActive() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Entry, 0, len(r.jobs))
	for _, job := range r.jobs {
		entries = append(entries, job.entry)
	}
	return entries
}

// SweepFinished prunes entries whose context is already done: their workers
// are unwinding (or leaked without unregistering) and the slot no longer
// represents cancellable work. Returns the number of entries removed.
func (r *Registry) SweepFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept int
	for id, job := range r.jobs {
		select {
		case <-job.ctx.Done():
			close(job.done)
			delete(r.jobs, id)
			swept++
		default:
		}
	}
	return swept
}

// Wait blocks until the job unregisters or the context expires. Used by
// tests and shutdown paths; returns immediately for unknown jobs.
func (r *Registry) Wait(ctx context.Context, jobID string) error {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
