package persistence

import (
	"context"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
)

const selectSubscriptionColumns = `
	SELECT id, user_id, plan_id, status, period_start, period_end,
	       cancel_at_period_end, transaction_reference, created_at, updated_at
	FROM user_subscriptions
	WHERE user_id = $1
`

// PostgresSubscriptionRepository implements domain.SubscriptionRepository.
type PostgresSubscriptionRepository struct {
	pool sharedPersistence.Pool
}

// NewPostgresSubscriptionRepository creates a new repository.
func NewPostgresSubscriptionRepository(pool sharedPersistence.Pool) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{pool: pool}
}

// Upsert inserts or replaces the user's subscription row.
func (r *PostgresSubscriptionRepository) Upsert(ctx context.Context, s *domain.Subscription) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO user_subscriptions (
			id, user_id, plan_id, status, period_start, period_end,
			cancel_at_period_end, transaction_reference, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			transaction_reference = EXCLUDED.transaction_reference,
			updated_at = EXCLUDED.updated_at
	`,
		s.ID,
		s.UserID,
		s.PlanID,
		string(s.Status),
		s.PeriodStart,
		s.PeriodEnd,
		s.CancelAtPeriodEnd,
		s.TransactionReference,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return mapError(err)
}

// FindByUserID returns the user's subscription row.
func (r *PostgresSubscriptionRepository) FindByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	return r.find(ctx, selectSubscriptionColumns, userID)
}

// FindByUserIDForUpdate serializes subscription writers for userID until the
// surrounding transaction ends. FOR UPDATE cannot lock a row that does not
// exist yet, so a transaction-scoped advisory lock on the user comes first.
func (r *PostgresSubscriptionRepository) FindByUserIDForUpdate(ctx context.Context, userID string) (*domain.Subscription, error) {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('user_subscriptions:' || $1::text))`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return r.find(ctx, selectSubscriptionColumns+` FOR UPDATE`, userID)
}

func (r *PostgresSubscriptionRepository) find(ctx context.Context, query, userID string) (*domain.Subscription, error) {
	var (
		s      domain.Subscription
		status string
	)
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, query, userID).Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&status,
		&s.PeriodStart,
		&s.PeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.TransactionReference,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if sharedPersistence.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}

	s.Status = domain.SubscriptionStatus(status)
	s.PeriodStart = s.PeriodStart.UTC()
	s.PeriodEnd = s.PeriodEnd.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// EndPeriod closes a period only if nobody renewed it in the meantime.
func (r *PostgresSubscriptionRepository) EndPeriod(ctx context.Context, userID string, periodEnd time.Time, status domain.SubscriptionStatus) (bool, error) {
	tag, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE user_subscriptions
		SET status = $3, updated_at = NOW()
		WHERE user_id = $1 AND status = 'active' AND period_end = $2
	`, userID, periodEnd, string(status))
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

var _ domain.SubscriptionRepository = (*PostgresSubscriptionRepository)(nil)
