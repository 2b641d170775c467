package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/postgres"
	"github.com/TechSquidTV/Hermes/progress"
	"github.com/TechSquidTV/Hermes/redis"
	"github.com/TechSquidTV/Hermes/redis/config"
	"github.com/TechSquidTV/Hermes/tokens"
)

// Services are the connections and stores shared by the web and worker
// runners.
type Services struct {
	Log      *zap.Logger
	Redis    *config.RedisConfig
	Pool     *pgxpool.Pool
	RDB      goredis.UniversalClient
	Progress *progress.Store
	Jobs     *postgres.JobRepository
	Tokens   *tokens.Service
	Queue    *redis.Client
}

// NewServices connects to Postgres and Redis, applies migrations and builds
// the shared stores.
func NewServices(ctx context.Context, cfg *Config, log *zap.Logger) (*Services, error) {
	redisCfg, err := config.NewRedisConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load redis config: %w", err)
	}

	opts, err := redisCfg.Options()
	if err != nil {
		return nil, fmt.Errorf("failed to build redis options: %w", err)
	}

	pool, err := postgres.Connect(ctx, cfg.Dsn)
	if err != nil {
		return nil, err
	}

	if err := postgres.NewMigrationRunner(pool, log).RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	rdb := goredis.NewClient(opts)

	store := progress.NewStore(rdb,
		progress.WithLogger(log.Named("progress")),
		progress.WithSnapshotTTL(cfg.SnapshotTTL),
	)

	if err := store.Ping(ctx); err != nil {
		pool.Close()
		_ = rdb.Close()

		return nil, err
	}

	queue, err := redis.NewClient(redisCfg, log.Named("queue"))
	if err != nil {
		pool.Close()
		_ = rdb.Close()

		return nil, err
	}

	jobs := postgres.NewJobRepository(pool)

	return &Services{
		Log:      log,
		Redis:    redisCfg,
		Pool:     pool,
		RDB:      rdb,
		Progress: store,
		Jobs:     jobs,
		Tokens:   tokens.New(store, jobs, tokens.WithLogger(log.Named("tokens"))),
		Queue:    queue,
	}, nil
}

// Close releases every connection.
func (s *Services) Close() error {
	err := multierr.Combine(s.Queue.Close(), s.RDB.Close())
	s.Pool.Close()

	return err
}

const healthInterval = 30 * time.Second

// WatchHealth pings every dependency on an interval and logs state changes
// until ctx is cancelled.
func WatchHealth(ctx context.Context, log *zap.Logger, pings map[string]func(context.Context) error) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	down := make(map[string]bool, len(pings))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for name, ping := range pings {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := ping(pctx)
			cancel()

			switch {
			case err != nil && !down[name]:
				log.Error("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			case err == nil && down[name]:
				log.Info("dependency recovered", zap.String("dependency", name))
			}

			down[name] = err != nil
		}
	}
}
