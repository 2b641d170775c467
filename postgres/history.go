package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TechSquidTV/Hermes/models"
)

var _ models.HistoryRepository = (*HistoryRepository)(nil)

// HistoryRepository appends terminal job records to download_history.
type HistoryRepository struct {
	db *pgxpool.Pool
}

func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{db: pool}
}

// Append writes one history record.
func (repo *HistoryRepository) Append(ctx context.Context, rec models.HistoryRecord) error {
	var startedAt *time.Time
	if !rec.StartedAt.IsZero() {
		startedAt = &rec.StartedAt
	}

	const q = `INSERT INTO download_history
		(download_id, url, status, started_at, completed_at, duration_seconds, file_size, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := repo.db.Exec(ctx, q,
		rec.DownloadID, rec.URL, rec.Status, startedAt, rec.CompletedAt,
		rec.Duration().Seconds(), rec.FileSize, rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to append download history: %w", err)
	}

	return nil
}

// ListForDownload returns the history of one download, newest first.
func (repo *HistoryRepository) ListForDownload(ctx context.Context, downloadID string) ([]models.HistoryRecord, error) {
	const q = `SELECT download_id, url, status, started_at, completed_at, file_size, error_message
		FROM download_history WHERE download_id = $1 ORDER BY completed_at DESC, id DESC`

	rows, err := repo.db.Query(ctx, q, downloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list download history: %w", err)
	}
	defer rows.Close()

	var ans []models.HistoryRecord

	for rows.Next() {
		var (
			rec       models.HistoryRecord
			startedAt *time.Time
		)

		if err := rows.Scan(&rec.DownloadID, &rec.URL, &rec.Status, &startedAt, &rec.CompletedAt, &rec.FileSize, &rec.ErrorMessage); err != nil {
			return nil, err
		}

		if startedAt != nil {
			rec.StartedAt = *startedAt
		}

		ans = append(ans, rec)
	}

	return ans, rows.Err()
}
