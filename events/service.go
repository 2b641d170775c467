// Package events turns pub/sub subscriptions into per connection event
// streams with admission control, heartbeats and payload filtering.
package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/progress"
)

const (
	DefaultMaxConnections    = 100
	DefaultHeartbeatInterval = 30 * time.Second

	connectionIDPrefix = "conn_"
)

// Subscriber opens an independent subscription per call.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (progress.EventSource, error)
}

// Service hands out event streams and enforces the global connection
// ceiling.
type Service struct {
	sub       Subscriber
	log       *zap.Logger
	now       func() time.Time
	newID     func() string
	max       int64
	heartbeat time.Duration

	active atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithClock overrides the clock used for heartbeats and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxConnections sets the connection ceiling.
func WithMaxConnections(n int64) Option {
	return func(s *Service) {
		s.max = n
	}
}

// WithHeartbeatInterval sets the minimum time between heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) {
		s.heartbeat = d
	}
}

// New creates a stream service reading from sub.
func New(sub Subscriber, opts ...Option) *Service {
	s := &Service{
		sub:       sub,
		log:       zap.NewNop(),
		now:       time.Now,
		newID:     func() string { return connectionIDPrefix + uuid.NewString() },
		max:       DefaultMaxConnections,
		heartbeat: DefaultHeartbeatInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ActiveConnections returns the number of admitted, still open streams.
func (s *Service) ActiveConnections() int64 {
	return s.active.Load()
}

// MaxConnections returns the connection ceiling.
func (s *Service) MaxConnections() int64 {
	return s.max
}

// HeartbeatInterval returns the minimum time between heartbeats.
func (s *Service) HeartbeatInterval() time.Duration {
	return s.heartbeat
}

// Stream subscribes to channels and returns the outbound event sequence
// for one connection. The first event is either a connected event or, when
// the ceiling is reached, a single MAX_CONNECTIONS error. The returned
// channel is closed when the stream ends; cancel ctx to end it early.
func (s *Service) Stream(ctx context.Context, channels []string, filter Filter) <-chan models.Event {
	out := make(chan models.Event)

	go func() {
		defer close(out)

		if !s.acquire() {
			s.log.Warn("max stream connections reached",
				zap.Int64("active", s.active.Load()),
				zap.Int64("max", s.max),
			)

			s.send(ctx, out, models.ErrorPayload{
				Error: "Maximum connections reached",
				Code:  models.ErrCodeMaxConnections,
			})

			return
		}
		defer s.release()

		s.run(ctx, out, channels, filter)
	}()

	return out
}

func (s *Service) acquire() bool {
	for {
		n := s.active.Load()
		if n >= s.max {
			return false
		}

		if s.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Service) release() {
	s.active.Add(-1)
}

func (s *Service) run(ctx context.Context, out chan<- models.Event, channels []string, filter Filter) {
	conn := connection{
		id:        s.newID(),
		channels:  channels,
		filter:    filter,
		createdAt: s.now(),
	}

	log := s.log.With(zap.String("connection_id", conn.id))
	log.Info("new stream connection",
		zap.Strings("channels", channels),
		zap.Int64("active_connections", s.active.Load()),
	)

	defer func() {
		log.Info("stream connection closed",
			zap.Duration("lifetime", s.now().Sub(conn.createdAt)),
			zap.Int64("active_connections", s.active.Load()-1),
		)
	}()

	if !s.send(ctx, out, models.Connected{ConnectionID: conn.id, Timestamp: conn.createdAt.UTC()}) {
		return
	}

	src, err := s.sub.Subscribe(ctx, channels...)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		log.Error("failed to subscribe", zap.Error(err))
		s.sendInternalError(ctx, out)

		return
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn("failed to close subscription", zap.Error(err))
		}
	}()

	lastHeartbeat := conn.createdAt

	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info("stream connection cancelled")
				return
			}

			log.Error("error in event stream", zap.Error(err))
			s.sendInternalError(ctx, out)

			return
		}

		if now := s.now(); now.Sub(lastHeartbeat) >= s.heartbeat {
			if !s.send(ctx, out, models.Heartbeat{Timestamp: now.UTC()}) {
				return
			}
			lastHeartbeat = now
		}

		if !conn.filter.Matches(ev) {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) sendInternalError(ctx context.Context, out chan<- models.Event) {
	s.send(ctx, out, models.ErrorPayload{
		Error: "Internal server error",
		Code:  models.ErrCodeInternal,
	})
}

// send delivers a synthetic event and reports false if ctx ended first.
func (s *Service) send(ctx context.Context, out chan<- models.Event, p models.Payload) bool {
	select {
	case out <- models.NewEvent("", p, s.now()):
		return true
	case <-ctx.Done():
		return false
	}
}

type connection struct {
	id        string
	channels  []string
	filter    Filter
	createdAt time.Time
}
