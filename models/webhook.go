package models

import (
	"context"
	"time"
)

// Webhook lifecycle event names.
const (
	WebhookDownloadStarted        = "download_started"
	WebhookDownloadCompleted      = "download_completed"
	WebhookDownloadFailed         = "download_failed"
	WebhookDownloadCancelled      = "download_cancelled"
	WebhookBatchDownloadStarted   = "batch_download_started"
	WebhookBatchDownloadCompleted = "batch_download_completed"
)

// Webhook is an outbound HTTP subscription to lifecycle events.
type Webhook struct {
	ID              string
	URL             string
	Events          []string
	Secret          string
	Active          bool
	LastTriggeredAt *time.Time
}

// WebhookRepository reads webhook subscriptions.
type WebhookRepository interface {
	ListForEvent(ctx context.Context, event string) ([]Webhook, error)
	MarkTriggered(ctx context.Context, id string, at time.Time) error
}

// WebhookStatusEvent maps a terminal job status to its webhook event name.
func WebhookStatusEvent(s JobStatus) string {
	switch s {
	case StatusCompleted:
		return WebhookDownloadCompleted
	case StatusCancelled:
		return WebhookDownloadCancelled
	default:
		return WebhookDownloadFailed
	}
}
