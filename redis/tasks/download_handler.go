package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/models"
)

func (h *Handler) processDownloadTask(ctx context.Context, task *asynq.Task) error {
	var payload DownloadPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal download payload: %w: %w", err, asynq.SkipRetry)
	}

	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	outcome, err := h.runner.Run(ctx, payload.DownloadID)
	if err != nil {
		return retryable(err)
	}

	h.log.Info("download task finished",
		zap.String("download_id", payload.DownloadID),
		zap.String("status", string(outcome.Status)),
	)

	return nil
}

func (h *Handler) processBatchTask(ctx context.Context, task *asynq.Task) error {
	var payload BatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal batch payload: %w: %w", err, asynq.SkipRetry)
	}

	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := h.log.With(zap.String("batch_id", payload.BatchID))

	h.notify(ctx, models.WebhookBatchDownloadStarted, payload.BatchID, map[string]any{
		"total": len(payload.Items),
	})

	var completed, failed int

	for _, item := range payload.Items {
		if ctx.Err() != nil {
			break
		}

		outcome, err := h.runner.Run(ctx, item.DownloadID)
		if err != nil {
			log.Error("batch item could not start", zap.String("download_id", item.DownloadID), zap.Error(err))
			failed++

			continue
		}

		if outcome.Succeeded() {
			completed++
		} else {
			failed++
		}
	}

	h.notify(ctx, models.WebhookBatchDownloadCompleted, payload.BatchID, map[string]any{
		"total":     len(payload.Items),
		"completed": completed,
		"failed":    failed,
		"skipped":   len(payload.Items) - completed - failed,
	})

	log.Info("batch finished", zap.Int("completed", completed), zap.Int("failed", failed))

	return nil
}

func (h *Handler) notify(ctx context.Context, event, id string, data map[string]any) {
	if h.notifier == nil {
		return
	}

	h.notifier.Notify(ctx, event, id, data)
}
