package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TechSquidTV/Hermes/models"
)

var _ models.WebhookRepository = (*WebhookRepository)(nil)

// WebhookRepository reads and maintains webhook subscriptions.
type WebhookRepository struct {
	db *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{db: pool}
}

// Create registers a webhook.
func (repo *WebhookRepository) Create(ctx context.Context, w *models.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	if w.Events == nil {
		w.Events = []string{}
	}

	const q = `INSERT INTO webhooks (id, url, events, secret, active) VALUES ($1, $2, $3, $4, $5)`

	if _, err := repo.db.Exec(ctx, q, w.ID, w.URL, w.Events, w.Secret, w.Active); err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}

	return nil
}

// ListForEvent returns the active webhooks subscribed to event.
func (repo *WebhookRepository) ListForEvent(ctx context.Context, event string) ([]models.Webhook, error) {
	const q = `SELECT id, url, events, secret, active, last_triggered_at
		FROM webhooks WHERE active AND $1 = ANY(events) ORDER BY created_at`

	rows, err := repo.db.Query(ctx, q, event)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var ans []models.Webhook

	for rows.Next() {
		var w models.Webhook
		if err := rows.Scan(&w.ID, &w.URL, &w.Events, &w.Secret, &w.Active, &w.LastTriggeredAt); err != nil {
			return nil, err
		}

		ans = append(ans, w)
	}

	return ans, rows.Err()
}

// MarkTriggered records the last delivery attempt of a webhook.
func (repo *WebhookRepository) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	if _, err := repo.db.Exec(ctx, `UPDATE webhooks SET last_triggered_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}

	return nil
}
