package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

// migrationLockID serialises concurrent runners (web and worker may start
// together).
const migrationLockID = 72_616_413

/*
MigrationRunner applies the embedded schema migrations. Files are named
{version}_{description}.up.sql and run in version order, each in its own
transaction. Applied versions are tracked in the schema_migrations table.
*/
type MigrationRunner struct {
	pool    *pgxpool.Pool
	fsys    fs.FS
	dir     string
	log     *zap.Logger
	timeout time.Duration
}

type migration struct {
	version int64
	name    string
	sql     string
}

// NewMigrationRunner creates a runner for the embedded migrations.
func NewMigrationRunner(pool *pgxpool.Pool, log *zap.Logger) *MigrationRunner {
	if log == nil {
		log = zap.NewNop()
	}

	return &MigrationRunner{
		pool:    pool,
		fsys:    migrationFS,
		dir:     "migrations",
		log:     log,
		timeout: 30 * time.Second,
	}
}

func (m *MigrationRunner) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

// RunMigrations applies every migration that has not been applied yet.
func (m *MigrationRunner) RunMigrations(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	const createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    BIGINT PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

	if _, err := m.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	applied := 0

	for _, mig := range migrations {
		done, err := m.apply(ctx, mig)
		if err != nil {
			return err
		}

		if done {
			applied++
			m.log.Info("applied migration", zap.Int64("version", mig.version), zap.String("name", mig.name))
		}
	}

	if applied == 0 {
		m.log.Info("no migrations to apply - database is up to date")
	}

	return nil
}

func (m *MigrationRunner) apply(ctx context.Context, mig migration) (bool, error) {
	var done bool

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, mig.version).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration %d: %w", mig.version, err)
		}

		if exists {
			return nil
		}

		if _, err := tx.Exec(ctx, mig.sql); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", mig.name, err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", mig.name, err)
		}

		done = true

		return nil
	})

	return done, err
}

func (m *MigrationRunner) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []migration

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}

		version, err := parseVersion(e.Name())
		if err != nil {
			return nil, err
		}

		body, err := fs.ReadFile(m.fsys, path.Join(m.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}

		out = append(out, migration{
			version: version,
			name:    strings.TrimSuffix(e.Name(), ".up.sql"),
			sql:     string(body),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })

	return out, nil
}

func parseVersion(name string) (int64, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration file name: %s", name)
	}

	v, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s: %w", name, err)
	}

	return v, nil
}
