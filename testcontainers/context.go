// Package testcontainers provides the integration test harness for Hermes.
// It starts disposable Redis and PostgreSQL containers, hands out connected
// clients and tears everything down when the test finishes.
//
// Basic usage:
//
//	func TestStore(t *testing.T) {
//	    testcontainers.WithTestContext(t, func(tc *testcontainers.TestContext) {
//	        store := progress.NewStore(tc.Redis)
//	        ...
//	    }, testcontainers.Redis)
//	}
//
// Prerequisites:
//   - Docker must be installed and running
//   - Network access to pull Docker images
//
// Environment Variables:
//   - TESTCONTAINERS_RYUK_DISABLED: Set to "true" to disable Ryuk (container cleanup)
//   - DOCKER_HOST: Custom Docker host (optional)
package testcontainers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	// defaultTimeout is the maximum time to wait for container startup and initialization
	defaultTimeout = 60 * time.Second
)

// Service selects a container started by NewTestContext.
type Service int

const (
	Redis Service = iota + 1
	Postgres
)

// TestContext holds the containers and clients for one test. Cleanup runs
// in reverse order of creation.
type TestContext struct {
	t *testing.T

	ctx        context.Context
	cancelFunc context.CancelFunc
	cleanup    []func()

	redisContainer    *RedisContainer
	postgresContainer *PostgresContainer

	// Redis is nil unless the Redis service was requested.
	Redis *redis.Client
	// DB is nil unless the Postgres service was requested.
	DB *pgxpool.Pool

	RedisConfig    *RedisConfig
	PostgresConfig *PostgresConfig
}

// NewTestContext starts the requested services, or all of them when none
// are given. The test fails if any container does not come up.
func NewTestContext(t *testing.T, services ...Service) *TestContext {
	t.Helper()

	if len(services) == 0 {
		services = []Service{Redis, Postgres}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	tc := &TestContext{
		t:          t,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	for _, svc := range services {
		var err error

		switch svc {
		case Redis:
			err = tc.initRedis()
		case Postgres:
			err = tc.initPostgres()
		default:
			err = fmt.Errorf("unknown service %d", svc)
		}

		if err != nil {
			tc.Cleanup()
			t.Fatalf("Failed to initialize test services: %v", err)
		}
	}

	return tc
}

// WithTestContext runs fn with a fresh TestContext and always cleans up,
// even if fn panics.
func WithTestContext(t *testing.T, fn func(*TestContext), services ...Service) {
	t.Helper()
	tc := NewTestContext(t, services...)
	defer tc.Cleanup()
	fn(tc)
}

// Ctx returns the context bound to the container startup timeout.
func (tc *TestContext) Ctx() context.Context {
	return tc.ctx
}

// Cleanup releases clients and terminates containers.
func (tc *TestContext) Cleanup() {
	for i := len(tc.cleanup) - 1; i >= 0; i-- {
		tc.cleanup[i]()
	}
	tc.cleanup = nil
	tc.cancelFunc()
}

func (tc *TestContext) addCleanup(fn func()) {
	tc.cleanup = append(tc.cleanup, fn)
}

func (tc *TestContext) initRedis() error {
	container, err := NewRedisContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create Redis container: %w", err)
	}
	tc.redisContainer = container
	tc.addCleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			tc.t.Errorf("Failed to terminate Redis container: %v", err)
		}
	})

	tc.Redis = redis.NewClient(&redis.Options{
		Addr:     container.Address(),
		Password: container.Password,
	})
	tc.addCleanup(func() {
		if err := tc.Redis.Close(); err != nil {
			tc.t.Errorf("Failed to close Redis client: %v", err)
		}
	})

	if err := tc.Redis.Ping(tc.ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	tc.RedisConfig = &RedisConfig{
		Host:     container.Host,
		Port:     container.Port,
		Password: container.Password,
	}

	return nil
}

func (tc *TestContext) initPostgres() error {
	container, err := NewPostgresContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create Postgres container: %w", err)
	}
	tc.postgresContainer = container
	tc.addCleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			tc.t.Errorf("Failed to terminate Postgres container: %v", err)
		}
	})

	pool, err := pgxpool.New(tc.ctx, container.DSN())
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	tc.DB = pool
	tc.addCleanup(pool.Close)

	if err := pool.Ping(tc.ctx); err != nil {
		return fmt.Errorf("failed to ping Postgres: %w", err)
	}

	tc.PostgresConfig = container.Config()

	return nil
}

// ResetPostgres empties the Hermes tables so subtests sharing one container
// start from a clean schema. Tables that do not exist yet are skipped.
func (tc *TestContext) ResetPostgres() {
	tc.t.Helper()

	if tc.DB == nil {
		tc.t.Fatal("ResetPostgres called without the Postgres service")
	}

	var present []string
	for _, table := range hermesTables {
		var ok bool
		if err := tc.DB.QueryRow(tc.ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&ok); err != nil {
			tc.t.Fatalf("Failed to look up table %s: %v", table, err)
		}
		if ok {
			present = append(present, table)
		}
	}

	if len(present) == 0 {
		return
	}

	if _, err := tc.DB.Exec(tc.ctx, truncateStatement(present)); err != nil {
		tc.t.Fatalf("Failed to reset Postgres tables: %v", err)
	}
}
