// Package progress implements the Redis backed progress store: TTL bound
// job snapshots, channel based event fan-out and ephemeral token keys.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/models"
)

const (
	// DefaultSnapshotTTL bounds the lifetime of a progress snapshot.
	DefaultSnapshotTTL = time.Hour

	snapshotKeyPrefix = "download:"
	snapshotKeySuffix = ":progress"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrNoChannels = errors.New("at least one channel is required")
)

// Store unifies the snapshot cache, the pub/sub bus and token storage on a
// single Redis connection. Snapshot and publish failures are logged and
// swallowed; callers observe them only as missing updates.
type Store struct {
	rdb         redis.UniversalClient
	log         *zap.Logger
	now         func() time.Time
	snapshotTTL time.Duration
	bufferSize  int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithClock overrides the clock used for publish timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSnapshotTTL sets the TTL applied when SetSnapshot is given none.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.snapshotTTL = ttl
	}
}

// WithSubscriptionBuffer sets the per subscription message buffer.
func WithSubscriptionBuffer(n int) Option {
	return func(s *Store) {
		s.bufferSize = n
	}
}

// NewStore creates a Store on top of an existing Redis client.
func NewStore(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:         rdb,
		log:         zap.NewNop(),
		now:         time.Now,
		snapshotTTL: DefaultSnapshotTTL,
		bufferSize:  100,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func snapshotKey(downloadID string) string {
	return snapshotKeyPrefix + downloadID + snapshotKeySuffix
}

// SetSnapshot stores the snapshot for downloadID. A non-positive ttl uses
// the store default.
func (s *Store) SetSnapshot(ctx context.Context, downloadID string, snap models.Snapshot, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.snapshotTTL
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("failed to marshal progress snapshot", zap.String("download_id", downloadID), zap.Error(err))
		return
	}

	if err := s.rdb.Set(ctx, snapshotKey(downloadID), data, ttl).Err(); err != nil {
		s.log.Error("failed to set progress in redis", zap.String("download_id", downloadID), zap.Error(err))
	}
}

// GetSnapshot returns the cached snapshot. The boolean is false when the
// snapshot is absent or could not be read.
func (s *Store) GetSnapshot(ctx context.Context, downloadID string) (models.Snapshot, bool) {
	data, err := s.rdb.Get(ctx, snapshotKey(downloadID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Error("failed to get progress from redis", zap.String("download_id", downloadID), zap.Error(err))
		}

		return models.Snapshot{}, false
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Error("failed to unmarshal progress snapshot", zap.String("download_id", downloadID), zap.Error(err))
		return models.Snapshot{}, false
	}

	return snap, true
}

// DeleteSnapshot removes the snapshot for downloadID.
func (s *Store) DeleteSnapshot(ctx context.Context, downloadID string) {
	if err := s.rdb.Del(ctx, snapshotKey(downloadID)).Err(); err != nil {
		s.log.Error("failed to delete progress from redis", zap.String("download_id", downloadID), zap.Error(err))
	}
}

// Publish sends p on channel. The event type is taken from the payload.
func (s *Store) Publish(ctx context.Context, channel string, p models.Payload) {
	msg, err := encodeMessage(p, s.now())
	if err != nil {
		s.log.Error("failed to encode event", zap.String("channel", channel), zap.Error(err))
		return
	}

	if err := s.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		s.log.Error("failed to publish event to redis",
			zap.String("channel", channel),
			zap.String("event_type", string(p.EventType())),
			zap.Error(err),
		)

		return
	}

	s.log.Debug("published event", zap.String("channel", channel), zap.String("event_type", string(p.EventType())))
}

// PublishDownloadProgress publishes a progress update for one download.
func (s *Store) PublishDownloadProgress(ctx context.Context, downloadID string, info models.ProgressInfo, result *models.ResultSummary) {
	s.Publish(ctx, models.ChannelDownloadUpdates, models.DownloadProgress{
		DownloadID: downloadID,
		Progress:   info,
		Result:     result,
	})
}

// PublishQueueUpdate publishes a queue membership or status change.
func (s *Store) PublishQueueUpdate(ctx context.Context, action, downloadID string, status models.JobStatus, extra map[string]any) {
	s.Publish(ctx, models.ChannelQueueUpdates, models.QueueUpdate{
		Action:     action,
		DownloadID: downloadID,
		Status:     status,
		Extra:      extra,
	})
}

// PublishSystemNotification publishes a system wide notification.
func (s *Store) PublishSystemNotification(ctx context.Context, kind, message string, extra map[string]any) {
	s.Publish(ctx, models.ChannelSystemNotifications, models.SystemNotification{
		NotificationType: kind,
		Message:          message,
		Extra:            extra,
	})
}

// Subscribe opens a fresh subscription to channels. Each call owns its own
// Redis subscription; callers must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (EventSource, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}

	ps := s.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to channels: %w", err)
	}

	s.log.Info("subscribed to channels", zap.Strings("channels", channels))

	return &subscription{
		ps:       ps,
		ch:       ps.Channel(redis.WithChannelSize(s.bufferSize)),
		channels: channels,
		log:      s.log,
	}, nil
}
