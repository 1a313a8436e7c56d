package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteWebhookEventRepository implements domain.WebhookEventRepository for
// local mode.
type SQLiteWebhookEventRepository struct {
	db *sql.DB
}

// NewSQLiteWebhookEventRepository creates a new repository.
func NewSQLiteWebhookEventRepository(db *sql.DB) *SQLiteWebhookEventRepository {
	return &SQLiteWebhookEventRepository{db: db}
}

func (r *SQLiteWebhookEventRepository) Save(ctx context.Context, e *domain.WebhookEvent) error {
	_, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_type, reference, payload, processed, outcome, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.Provider, e.EventType, e.Reference, string(e.Payload), e.Processed, e.Outcome,
		sharedPersistence.FormatSQLiteTime(e.ReceivedAt))
	return mapError(err)
}

func (r *SQLiteWebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, outcome string, at time.Time) error {
	_, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).ExecContext(ctx, `
		UPDATE webhook_events SET processed = 1, outcome = ?, processed_at = ? WHERE id = ?
	`, outcome, sharedPersistence.FormatSQLiteTime(at), id.String())
	return mapError(err)
}

func (r *SQLiteWebhookEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < ?`,
		sharedPersistence.FormatSQLiteTime(cutoff))
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

var _ domain.WebhookEventRepository = (*SQLiteWebhookEventRepository)(nil)
