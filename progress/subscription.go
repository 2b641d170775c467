package progress

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/models"
)

// ErrSubscriptionClosed is returned by Next once the underlying
// subscription has gone away.
var ErrSubscriptionClosed = errors.New("subscription closed")

// EventSource is a lazy, single consumer sequence of published events.
type EventSource interface {
	// Next blocks until an event arrives, ctx is done, or the subscription
	// fails.
	Next(ctx context.Context) (models.Event, error)
	Close() error
}

type subscription struct {
	ps       *redis.PubSub
	ch       <-chan *redis.Message
	channels []string
	log      *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		case msg, ok := <-s.ch:
			if !ok {
				return models.Event{}, ErrSubscriptionClosed
			}

			ev, err := decodeMessage(msg.Channel, msg.Payload)
			if err != nil {
				s.log.Error("failed to decode pub/sub message",
					zap.String("channel", msg.Channel),
					zap.String("message", msg.Payload),
					zap.Error(err),
				)

				continue
			}

			return ev, nil
		}
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ps.Close()
		s.log.Info("unsubscribed from channels", zap.Strings("channels", s.channels))
	})

	return s.closeErr
}
