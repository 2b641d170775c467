package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/redis/config"
)

// Server runs download tasks on a pool of asynq workers.
type Server struct {
	server    *asynq.Server
	inspector *asynq.Inspector
	cfg       *config.RedisConfig
	log       *zap.Logger
	mu        sync.RWMutex
}

// NewServer creates a worker server with the provided configuration.
func NewServer(cfg *config.RedisConfig, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	redisOpt, err := cfg.AsynqOpt()
	if err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:    cfg.Workers,
			Logger:         log.Sugar(),
			RetryDelayFunc: retryDelay(cfg, log),
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				log.Error("task failed", zap.String("type", task.Type()), zap.Error(err))
			}),
			Queues:          cfg.QueuePriorities,
			StrictPriority:  true,
			ShutdownTimeout: 30 * time.Second,
		},
	)

	return &Server{
		server:    srv,
		inspector: asynq.NewInspector(redisOpt),
		cfg:       cfg,
		log:       log,
	}, nil
}

func retryDelay(cfg *config.RedisConfig, log *zap.Logger) asynq.RetryDelayFunc {
	return func(n int, err error, task *asynq.Task) time.Duration {
		delay := time.Duration(1<<uint(n)) * time.Second
		if delay > cfg.RetryInterval {
			delay = cfg.RetryInterval
		}

		log.Warn("task retry scheduled",
			zap.String("type", task.Type()),
			zap.Int("retry", n),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		return delay
	}
}

// Start starts the server with the provided handler
func (s *Server) Start(ctx context.Context, mux *asynq.ServeMux) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	go s.monitorHealth(ctx)

	return nil
}

// Shutdown stops accepting tasks and waits for running ones.
func (s *Server) Shutdown(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server.Shutdown()

	if err := s.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	return nil
}

// IsHealthy reports whether Redis answers queue inspection.
func (s *Server) IsHealthy(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.inspector.Queues()

	return err == nil
}

func (s *Server) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsHealthy(ctx) {
				s.log.Warn("redis server is not healthy")
			}
		}
	}
}
