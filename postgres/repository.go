// Package postgres is the durable store for download jobs, their history
// and webhook subscriptions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TechSquidTV/Hermes/models"
)

var _ models.JobRepository = (*JobRepository)(nil)

// Connect opens a connection pool and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// JobRepository is the PostgreSQL implementation of models.JobRepository.
type JobRepository struct {
	db *pgxpool.Pool
}

// NewJobRepository creates a job repository on pool.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: pool}
}

const jobColumns = `id, owner_id, url, format, status, progress, downloaded_bytes, total_bytes,
	speed, eta, output_path, error_message, title, thumbnail_url, extractor, duration, file_size,
	created_at, started_at, completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func rowToJob(row scannable) (models.Job, error) {
	var j models.Job

	err := row.Scan(
		&j.ID, &j.OwnerID, &j.URL, &j.Format, &j.Status, &j.Progress, &j.DownloadedBytes, &j.TotalBytes,
		&j.Speed, &j.ETA, &j.OutputPath, &j.ErrorMessage, &j.Title, &j.ThumbnailURL, &j.Extractor, &j.Duration, &j.FileSize,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return models.Job{}, err
	}

	return j, nil
}

// Get retrieves a job by ID.
func (repo *JobRepository) Get(ctx context.Context, id string) (models.Job, error) {
	row := repo.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM downloads WHERE id = $1`, id)

	j, err := rowToJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}

		return models.Job{}, fmt.Errorf("failed to get job: %w", err)
	}

	return j, nil
}

// Exists reports whether a job with id exists.
func (repo *JobRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := repo.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM downloads WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}

	return exists, nil
}

// Create inserts a new pending job. Missing ID, status, format and creation
// time are filled in.
func (repo *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if job.Status == "" {
		job.Status = models.StatusPending
	}

	if job.Format == "" {
		job.Format = "best"
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO downloads (id, owner_id, url, format, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	if _, err := repo.db.Exec(ctx, q, job.ID, job.OwnerID, job.URL, job.Format, job.Status, job.CreatedAt); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// UpdateStatus moves a job to update.Status and writes the accompanying
// fields. Backward moves and moves out of a terminal state are rejected with
// models.ErrInvalidTransition. Writing the current status again only updates
// the fields.
func (repo *JobRepository) UpdateStatus(ctx context.Context, id string, update models.StatusUpdate) error {
	return pgx.BeginFunc(ctx, repo.db, func(tx pgx.Tx) error {
		var current models.JobStatus

		err := tx.QueryRow(ctx, `SELECT status FROM downloads WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
			}

			return fmt.Errorf("failed to get job status: %w", err)
		}

		if current != update.Status || current.IsTerminal() {
			if _, err := current.Transition(update.Status); err != nil {
				return err
			}
		}

		var res models.ResultSummary
		if update.Result != nil {
			res = *update.Result
		}

		const q = `UPDATE downloads SET
			status        = $2,
			started_at    = COALESCE($3, started_at),
			completed_at  = COALESCE($4, completed_at),
			progress      = COALESCE($5, progress),
			error_message = COALESCE(NULLIF($6::text, ''), error_message),
			output_path   = COALESCE(NULLIF($7::text, ''), output_path),
			file_size     = CASE WHEN $8::bigint > 0 THEN $8::bigint ELSE file_size END,
			title         = COALESCE(NULLIF($9::text, ''), title),
			thumbnail_url = COALESCE(NULLIF($10::text, ''), thumbnail_url),
			extractor     = COALESCE(NULLIF($11::text, ''), extractor),
			duration      = CASE WHEN $12::double precision > 0 THEN $12::double precision ELSE duration END,
			updated_at    = NOW()
			WHERE id = $1`

		_, err = tx.Exec(ctx, q, id, update.Status, update.StartedAt, update.CompletedAt, update.Progress,
			update.ErrorMessage, update.OutputPath, update.FileSize,
			res.Title, res.Thumbnail, res.Extractor, res.Duration)
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}

		return nil
	})
}

// UpdateProgress writes the durable progress fields of a running job. Jobs
// that already finished are left untouched.
func (repo *JobRepository) UpdateProgress(ctx context.Context, id string, p models.ProgressInfo) error {
	const q = `UPDATE downloads SET
		progress         = COALESCE($2, progress),
		downloaded_bytes = $3,
		total_bytes      = $4,
		speed            = $5,
		eta              = $6,
		updated_at       = NOW()
		WHERE id = $1 AND status IN ('downloading', 'processing')`

	if _, err := repo.db.Exec(ctx, q, id, p.Percentage, p.DownloadedBytes, p.TotalBytes, p.Speed, p.ETA); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}
