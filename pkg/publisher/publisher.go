// Package publisher enqueues sync tasks onto the redis-backed task queue.
package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"hostsync/pkg/config"
	"hostsync/pkg/logger"
	"hostsync/pkg/shared"
)

// TaskPublisher is what the HTTP layer needs: a way to hand a created job to
// the workers.
type TaskPublisher interface {
	PublishConnectionSync(jobID, connectionID string) error
	PublishBulkSync(jobID string) error
}

type Publisher struct {
	client *asynq.Client
	logger *logger.Logger
}

func NewPublisher(cfg *config.Config) *Publisher {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	return &Publisher{
		client: asynq.NewClient(redisOpt),
		logger: logger.NewDefault(),
	}
}

func (p *Publisher) Close() {
	_ = p.client.Close()
}

func (p *Publisher) enqueue(taskType string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	// No retries: a failed run finalizes the job row, and the worker refuses
	// to re-run a terminal job.
	info, err := p.client.Enqueue(
		asynq.NewTask(taskType, payloadBytes),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	p.logger.Info("task enqueued", map[string]any{
		"task_id":   info.ID,
		"task_type": taskType,
		"queue":     info.Queue,
	})
	return nil
}

func (p *Publisher) PublishConnectionSync(jobID, connectionID string) error {
	return p.enqueue(shared.TaskTypeSyncConnection, shared.SyncConnectionPayload{
		JobID:        jobID,
		ConnectionID: connectionID,
	})
}

func (p *Publisher) PublishBulkSync(jobID string) error {
	return p.enqueue(shared.TaskTypeSyncBulk, shared.SyncBulkPayload{JobID: jobID})
}
