// Package tasks runs download tasks pulled from the asynq queues.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/executor"
	"github.com/TechSquidTV/Hermes/models"
)

// TaskHandler handles processing of Redis tasks
type TaskHandler interface {
	ProcessTask(ctx context.Context, task *asynq.Task) error
}

// Runner executes one download job.
type Runner interface {
	Run(ctx context.Context, downloadID string) (executor.Outcome, error)
}

// Notifier delivers batch lifecycle webhooks.
type Notifier interface {
	Notify(ctx context.Context, event, downloadID string, data map[string]any)
}

// Pinger is a dependency checked by health:check tasks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler implements TaskHandler interface
type Handler struct {
	runner      Runner
	notifier    Notifier
	pingers     map[string]Pinger
	taskTimeout time.Duration
	log         *zap.Logger
}

// HandlerOption is a function that configures a Handler
type HandlerOption func(*Handler)

// WithTaskTimeout sets the timeout for task processing
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// WithNotifier sets the webhook notifier used for batch events.
func WithNotifier(n Notifier) HandlerOption {
	return func(h *Handler) {
		h.notifier = n
	}
}

// WithPinger adds a dependency checked by health:check tasks.
func WithPinger(name string, p Pinger) HandlerOption {
	return func(h *Handler) {
		h.pingers[name] = p
	}
}

func WithLogger(log *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// NewHandler creates a new task handler with the provided options
func NewHandler(runner Runner, opts ...HandlerOption) *Handler {
	h := &Handler{
		runner:      runner,
		pingers:     make(map[string]Pinger),
		taskTimeout: 2 * time.Hour,
		log:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register binds every task type to mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.Handle(TypeDownloadVideo, h)
	mux.Handle(TypeDownloadBatch, h)
	mux.Handle(TypeHealthCheck, h)
}

// ProcessTask processes a task based on its type
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeDownloadVideo:
		return h.processDownloadTask(ctx, task)
	case TypeDownloadBatch:
		return h.processBatchTask(ctx, task)
	case TypeHealthCheck:
		return h.processHealthCheck(ctx)
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}

func (h *Handler) processHealthCheck(ctx context.Context) error {
	var err error

	for name, p := range h.pingers {
		if pingErr := p.Ping(ctx); pingErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, pingErr))
		}
	}

	if err != nil {
		h.log.Error("health check failed", zap.Error(err))
		return err
	}

	return nil
}

// retryable reports whether a failed start is worth another attempt. Jobs
// that are gone or already picked up never succeed on retry.
func retryable(err error) error {
	if errors.Is(err, executor.ErrJobNotPending) || errors.Is(err, models.ErrJobNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	return err
}
