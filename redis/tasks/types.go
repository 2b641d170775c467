package tasks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task types
const (
	TypeDownloadVideo = "download:video"
	TypeDownloadBatch = "download:batch"
	TypeHealthCheck   = "health:check"
)

var (
	ErrMissingDownloadID = errors.New("download id is required")
	ErrEmptyBatch        = errors.New("batch has no items")
)

// DownloadPayload is the payload of a download:video task.
type DownloadPayload struct {
	DownloadID string `json:"download_id"`
	URL        string `json:"url"`
	Format     string `json:"format,omitempty"`
}

func (p DownloadPayload) Validate() error {
	if p.DownloadID == "" {
		return ErrMissingDownloadID
	}

	return nil
}

// BatchItem is one download of a batch.
type BatchItem struct {
	DownloadID string `json:"download_id"`
	URL        string `json:"url"`
}

// BatchPayload is the payload of a download:batch task.
type BatchPayload struct {
	BatchID string      `json:"batch_id"`
	Items   []BatchItem `json:"items"`
}

func (p BatchPayload) Validate() error {
	if len(p.Items) == 0 {
		return ErrEmptyBatch
	}

	for i, item := range p.Items {
		if item.DownloadID == "" {
			return fmt.Errorf("item %d: %w", i, ErrMissingDownloadID)
		}
	}

	return nil
}

// NewDownloadTask creates a download:video task.
func NewDownloadTask(payload DownloadPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal download payload: %w", err)
	}

	return asynq.NewTask(TypeDownloadVideo, data), nil
}

// NewBatchTask creates a download:batch task.
func NewBatchTask(payload BatchPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch payload: %w", err)
	}

	return asynq.NewTask(TypeDownloadBatch, data), nil
}

// NewHealthCheckTask creates a health:check task.
func NewHealthCheckTask() *asynq.Task {
	return asynq.NewTask(TypeHealthCheck, nil)
}
