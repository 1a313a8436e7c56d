package persistence

import (
	"context"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// PostgresWebhookEventRepository implements domain.WebhookEventRepository.
type PostgresWebhookEventRepository struct {
	pool sharedPersistence.Pool
}

// NewPostgresWebhookEventRepository creates a new repository.
func NewPostgresWebhookEventRepository(pool sharedPersistence.Pool) *PostgresWebhookEventRepository {
	return &PostgresWebhookEventRepository{pool: pool}
}

func (r *PostgresWebhookEventRepository) Save(ctx context.Context, e *domain.WebhookEvent) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO webhook_events (id, provider, event_type, reference, payload, processed, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Provider, e.EventType, e.Reference, []byte(e.Payload), e.Processed, e.Outcome, e.ReceivedAt)
	return mapError(err)
}

func (r *PostgresWebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, outcome string, at time.Time) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, outcome = $2, processed_at = $3 WHERE id = $1
	`, id, outcome, at)
	return mapError(err)
}

// DeleteOlderThan prunes the log and returns the number of removed rows.
func (r *PostgresWebhookEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.WebhookEventRepository = (*PostgresWebhookEventRepository)(nil)
