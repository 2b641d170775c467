// Package redis dispatches download jobs to the worker pool through asynq.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/redis/config"
	"github.com/TechSquidTV/Hermes/redis/tasks"
)

// CancelResult describes what CancelDownload did.
type CancelResult int

const (
	// CancelNotFound means no queued or running task exists for the job.
	CancelNotFound CancelResult = iota
	// CancelRemoved means the task was still waiting and has been deleted.
	CancelRemoved
	// CancelSignalled means the task is running and was asked to stop.
	CancelSignalled
)

// Client enqueues and cancels download tasks.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       *config.RedisConfig
	log       *zap.Logger
	mu        sync.RWMutex
}

// NewClient creates a client with the provided configuration and checks
// that Redis is reachable.
func NewClient(cfg *config.RedisConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	redisOpt, err := cfg.AsynqOpt()
	if err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	c := &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		cfg:       cfg,
		log:       log,
	}

	if _, err := c.inspector.Queues(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return c, nil
}

// EnqueueTask enqueues a task with the given type and payload.
func (c *Client) EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return info, nil
}

// EnqueueDownload schedules a single download. The task ID is the download
// ID so a job can never be queued twice.
func (c *Client) EnqueueDownload(ctx context.Context, payload tasks.DownloadPayload) error {
	task, err := tasks.NewDownloadTask(payload)
	if err != nil {
		return err
	}

	info, err := c.EnqueueTask(ctx, task,
		asynq.TaskID(payload.DownloadID),
		asynq.Queue(config.QueueDefault),
		asynq.MaxRetry(c.cfg.MaxRetries),
		asynq.Retention(c.cfg.RetentionPeriod),
	)
	if err != nil {
		return err
	}

	c.log.Info("download enqueued",
		zap.String("download_id", payload.DownloadID),
		zap.String("queue", info.Queue),
	)

	return nil
}

// EnqueueBatch schedules a batch of downloads that run one after another on
// a single worker.
func (c *Client) EnqueueBatch(ctx context.Context, payload tasks.BatchPayload) error {
	task, err := tasks.NewBatchTask(payload)
	if err != nil {
		return err
	}

	_, err = c.EnqueueTask(ctx, task,
		asynq.TaskID(payload.BatchID),
		asynq.Queue(config.QueueLow),
		asynq.MaxRetry(0),
		asynq.Retention(c.cfg.RetentionPeriod),
	)

	return err
}

// CancelDownload removes a waiting task or signals a running one.
func (c *Client) CancelDownload(ctx context.Context, downloadID string) (CancelResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for queue := range c.cfg.QueuePriorities {
		if err := ctx.Err(); err != nil {
			return CancelNotFound, err
		}

		info, err := c.inspector.GetTaskInfo(queue, downloadID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}

			return CancelNotFound, fmt.Errorf("failed to inspect task: %w", err)
		}

		switch info.State {
		case asynq.TaskStateActive:
			if err := c.inspector.CancelProcessing(downloadID); err != nil {
				return CancelNotFound, fmt.Errorf("failed to cancel task: %w", err)
			}

			return CancelSignalled, nil
		case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
			if err := c.inspector.DeleteTask(queue, downloadID); err != nil {
				return CancelNotFound, fmt.Errorf("failed to delete task: %w", err)
			}

			return CancelRemoved, nil
		default:
			return CancelNotFound, nil
		}
	}

	return CancelNotFound, nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := multierr.Combine(c.client.Close(), c.inspector.Close())
	if err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

// IsHealthy checks if the Redis connection is healthy
func (c *Client) IsHealthy(_ context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := c.inspector.Queues()

	return err == nil
}

// RetryWithBackoff implements exponential backoff for connection retries
func RetryWithBackoff(ctx context.Context, log *zap.Logger, operation func() error, maxRetries int, initialInterval time.Duration) error {
	var err error

	interval := initialInterval

	for i := 0; i < maxRetries; i++ {
		if err = operation(); err == nil {
			return nil
		}

		if i == maxRetries-1 {
			break
		}

		log.Warn("retry attempt failed", zap.Int("attempt", i+1), zap.Duration("backoff", interval), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
	}

	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}
