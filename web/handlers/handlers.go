// Package handlers implements the HTTP endpoints of the progress pipeline.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/events"
	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/redis"
	"github.com/TechSquidTV/Hermes/redis/tasks"
)

// TokenService issues and checks stream tokens.
type TokenService interface {
	Issue(ctx context.Context, principal, scope string, ttl time.Duration) (models.Token, error)
	Authenticate(ctx context.Context, token string) (models.Token, error)
	Validate(ctx context.Context, token, required string) (models.Token, error)
	Revoke(ctx context.Context, principal, scopePrefix string) (int, error)
}

// StreamService hands out event streams.
type StreamService interface {
	Stream(ctx context.Context, channels []string, filter events.Filter) <-chan models.Event
	ActiveConnections() int64
	MaxConnections() int64
	HeartbeatInterval() time.Duration
}

// JobService is the minimal interface needed by handlers to interact with jobs.
type JobService interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, id string, update models.StatusUpdate) error
}

// ProgressService reads snapshots and announces queue changes.
type ProgressService interface {
	GetSnapshot(ctx context.Context, downloadID string) (models.Snapshot, bool)
	PublishQueueUpdate(ctx context.Context, action, downloadID string, status models.JobStatus, extra map[string]any)
}

// Dispatcher hands jobs to the worker pool.
type Dispatcher interface {
	EnqueueDownload(ctx context.Context, payload tasks.DownloadPayload) error
	CancelDownload(ctx context.Context, downloadID string) (redis.CancelResult, error)
}

// Dependencies aggregates shared services used by handlers.
type Dependencies struct {
	Logger   *zap.Logger
	Tokens   TokenService
	Streams  StreamService
	Jobs     JobService
	Progress ProgressService
	Queue    Dispatcher
	Now      func() time.Time
}

// HandlerGroup groups all handler categories for routing setup.
type HandlerGroup struct {
	Events    *EventHandlers
	Downloads *DownloadHandlers
}

// NewHandlerGroup constructs a HandlerGroup with initialized handlers.
func NewHandlerGroup(deps Dependencies) *HandlerGroup {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &HandlerGroup{
		Events:    &EventHandlers{Deps: deps},
		Downloads: &DownloadHandlers{Deps: deps},
	}
}

// EventHandlers serves token management and event streams.
type EventHandlers struct{ Deps Dependencies }

// DownloadHandlers serves job submission, progress and cancellation.
type DownloadHandlers struct{ Deps Dependencies }

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func renderError(w http.ResponseWriter, code int, message string) {
	renderJSON(w, code, models.APIError{Code: code, Message: message})
}
