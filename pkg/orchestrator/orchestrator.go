// Package orchestrator runs sync jobs: list a connection's files, fetch
// their content and push it to the indexing service in batches, recording
// durable progress as it goes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hostsync/pkg/cache"
	"hostsync/pkg/indexer"
	"hostsync/pkg/logger"
	"hostsync/pkg/registry"
	"hostsync/pkg/shared"
	"hostsync/pkg/store"
)

// DocumentIndexer is the downstream sink for synced documents.
type DocumentIndexer interface {
	IndexBatch(ctx context.Context, docs []indexer.Document) error
}

type Orchestrator struct {
	store         *store.Store
	registry      *registry.Registry
	indexer       DocumentIndexer
	listings      *cache.ListingCache
	logger        *logger.Logger
	batchSize     int
	maxConcurrent int64
}

func New(st *store.Store, reg *registry.Registry, idx DocumentIndexer, listings *cache.ListingCache, batchSize, maxConcurrent int) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Orchestrator{
		store:         st,
		registry:      reg,
		indexer:       idx,
		listings:      listings,
		logger:        logger.NewDefault(),
		batchSize:     batchSize,
		maxConcurrent: int64(maxConcurrent),
	}
}

// bookkeepingCtx strips cancellation so terminal-state writes (history rows,
// job finalization) still land after the job's context is cancelled.
func bookkeepingCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// progressFunc reports file-level progress to the job row. Bulk jobs track
// progress in connections instead, so their per-connection runs pass nil.
type progressFunc func(percent, totalFiles, processedFiles int)

func (o *Orchestrator) jobProgress(ctx context.Context, jobID string) progressFunc {
	return func(percent, totalFiles, processedFiles int) {
		if err := o.store.UpdateJobProgress(bookkeepingCtx(ctx), jobID, percent, totalFiles, processedFiles); err != nil {
			o.logger.Error("update job progress", err, map[string]any{"job_id": jobID})
		}
	}
}

// SyncConnection performs one full sync of a connection under the given job.
// Cancellation is observed at checkpoints: before listing, after listing,
// before each batch and after the final batch. A cancelled run returns
// context.Canceled with a partially-filled outcome; per-file and per-batch
// failures are recorded and do not abort the run.
func (o *Orchestrator) SyncConnection(ctx context.Context, jobID string, conn *shared.Connection) (*shared.ConnectionOutcome, error) {
	return o.syncOne(ctx, jobID, conn, o.jobProgress(ctx, jobID))
}

func (o *Orchestrator) syncOne(ctx context.Context, jobID string, conn *shared.Connection, progress progressFunc) (*shared.ConnectionOutcome, error) {
	outcome := &shared.ConnectionOutcome{ConnectionID: conn.ID}

	historyID, err := o.store.StartHistory(bookkeepingCtx(ctx), jobID, conn.ID)
	if err != nil {
		return outcome, err
	}

	finish := func(status shared.HistoryStatus, errorMessage string) {
		if err := o.store.FinishHistory(bookkeepingCtx(ctx), historyID, status,
			outcome.FilesProcessed, outcome.FilesIndexed, errorMessage); err != nil {
			o.logger.Error("finish history", err, map[string]any{"history_id": historyID})
		}
	}

	files, err := o.listConnection(ctx, conn, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			finish(shared.HistoryCancelled, "")
			return outcome, context.Canceled
		}
		outcome.Error = err.Error()
		finish(shared.HistoryFailed, err.Error())
		return outcome, err
	}

	if err := o.syncBatches(ctx, jobID, conn, files, outcome, progress); err != nil {
		if errors.Is(err, context.Canceled) {
			finish(shared.HistoryCancelled, "")
			return outcome, context.Canceled
		}
		outcome.Error = err.Error()
		finish(shared.HistoryFailed, err.Error())
		return outcome, err
	}

	finish(shared.HistorySuccess, "")
	o.logger.Info("connection synced", map[string]any{
		"job_id":          jobID,
		"connection_id":   conn.ID,
		"files_processed": outcome.FilesProcessed,
		"files_indexed":   outcome.FilesIndexed,
	})
	return outcome, nil
}

// listConnection lists the connection's files, refreshing the listing cache,
// and reports the total.
func (o *Orchestrator) listConnection(ctx context.Context, conn *shared.Connection, progress progressFunc) ([]shared.RemoteResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	adapter, err := o.registry.Adapter(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}

	resources, err := adapter.ListFiles(ctx, conn.BasePath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("list files: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if o.listings != nil {
		if err := o.listings.Put(bookkeepingCtx(ctx), conn.ID, resources); err != nil {
			o.logger.Warn("refresh listing cache", map[string]any{
				"connection_id": conn.ID, "error": err.Error(),
			})
		}
	}

	var files []shared.RemoteResource
	for _, res := range resources {
		if res.Kind == shared.ResourceFile {
			files = append(files, res)
		}
	}

	if progress != nil {
		progress(0, len(files), 0)
	}
	return files, nil
}

// syncBatches walks the file list batch by batch. A file whose content
// cannot be fetched, or a batch the indexer rejects, is recorded as failed
// and the run moves on.
func (o *Orchestrator) syncBatches(ctx context.Context, jobID string, conn *shared.Connection, files []shared.RemoteResource, outcome *shared.ConnectionOutcome, progress progressFunc) error {
	adapter, err := o.registry.Adapter(ctx, conn)
	if err != nil {
		return fmt.Errorf("build adapter: %w", err)
	}

	total := len(files)
	for start := 0; start < total; start += o.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + o.batchSize
		if end > total {
			end = total
		}
		batch := files[start:end]

		var docs []indexer.Document
		var indexed []shared.RemoteResource
		for _, file := range batch {
			content, err := adapter.GetContent(ctx, file.Path)
			outcome.FilesProcessed++
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				o.recordFileState(ctx, conn.ID, file, shared.FileFailed, err.Error())
				continue
			}
			docs = append(docs, indexer.BuildDocument(conn, file, content))
			indexed = append(indexed, file)
		}

		if err := o.indexer.IndexBatch(ctx, docs); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			o.logger.Error("index batch", err, map[string]any{
				"job_id":        jobID,
				"connection_id": conn.ID,
				"batch_size":    len(docs),
			})
			for _, file := range indexed {
				o.recordFileState(ctx, conn.ID, file, shared.FileFailed, err.Error())
			}
		} else {
			outcome.FilesIndexed += len(indexed)
			for _, file := range indexed {
				o.recordFileState(ctx, conn.ID, file, shared.FileSynced, "")
			}
		}

		if progress != nil {
			progress(outcome.FilesProcessed*100/total, total, outcome.FilesProcessed)
		}
	}

	return ctx.Err()
}

func (o *Orchestrator) recordFileState(ctx context.Context, connectionID string, file shared.RemoteResource, status shared.FileStatus, errorMessage string) {
	modified := file.Modified
	state := &shared.FileSyncState{
		ConnectionID: connectionID,
		FilePath:     file.Path,
		Status:       status,
		LastModified: &modified,
		LastSynced:   time.Now().UTC(),
		ErrorMessage: errorMessage,
	}
	if err := o.store.UpsertFileState(bookkeepingCtx(ctx), state); err != nil {
		o.logger.Error("upsert file state", err, map[string]any{
			"connection_id": connectionID,
			"file_path":     file.Path,
		})
	}
}

// SyncAll fans a bulk job out over every active connection, bounded by the
// concurrency limit. Connections already being synced by their own job are
// skipped rather than double-synced. One connection failing does not stop
// the others; cancellation does.
func (o *Orchestrator) SyncAll(ctx context.Context, jobID string) ([]shared.ConnectionOutcome, error) {
	conns, err := o.store.ListActiveConnections(ctx)
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(o.maxConcurrent)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes []shared.ConnectionOutcome
		done     int
	)

	record := func(outcome shared.ConnectionOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, outcome)
		done++
		if len(conns) > 0 {
			progress := done * 100 / len(conns)
			if err := o.store.UpdateJobProgress(bookkeepingCtx(ctx), jobID, progress, len(conns), done); err != nil {
				o.logger.Error("update job progress", err, map[string]any{"job_id": jobID})
			}
		}
	}

	for _, conn := range conns {
		if active, err := o.store.ActiveJob(ctx, conn.ID); err == nil && active != nil {
			o.logger.Info("skipping connection with active job", map[string]any{
				"connection_id": conn.ID,
				"active_job_id": active.ID,
			})
			record(shared.ConnectionOutcome{ConnectionID: conn.ID, Skipped: true})
			continue
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			record(shared.ConnectionOutcome{ConnectionID: conn.ID, Error: err.Error()})
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(conn *shared.Connection) {
			defer wg.Done()
			defer sem.Release(1)

			outcome, err := o.syncOne(ctx, jobID, conn, nil)
			if err != nil && !errors.Is(err, context.Canceled) && outcome.Error == "" {
				outcome.Error = err.Error()
			}
			record(*outcome)
		}(conn)
	}

	wg.Wait()
	return outcomes, ctx.Err()
}
