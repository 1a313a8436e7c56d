package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteSubscriptionRepository implements domain.SubscriptionRepository for
// local mode.
type SQLiteSubscriptionRepository struct {
	db *sql.DB
}

// NewSQLiteSubscriptionRepository creates a new repository.
func NewSQLiteSubscriptionRepository(db *sql.DB) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{db: db}
}

func (r *SQLiteSubscriptionRepository) Upsert(ctx context.Context, s *domain.Subscription) error {
	_, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO user_subscriptions (
			id, user_id, plan_id, status, period_start, period_end,
			cancel_at_period_end, transaction_reference, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			transaction_reference = excluded.transaction_reference,
			updated_at = excluded.updated_at
	`,
		s.ID.String(),
		s.UserID,
		s.PlanID,
		string(s.Status),
		sharedPersistence.FormatSQLiteTime(s.PeriodStart),
		sharedPersistence.FormatSQLiteTime(s.PeriodEnd),
		s.CancelAtPeriodEnd,
		s.TransactionReference,
		sharedPersistence.FormatSQLiteTime(s.CreatedAt),
		sharedPersistence.FormatSQLiteTime(s.UpdatedAt),
	)
	return mapError(err)
}

func (r *SQLiteSubscriptionRepository) FindByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	var (
		s                                  domain.Subscription
		id, status, periodStart, periodEnd string
		createdAt, updatedAt               string
	)
	err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, user_id, plan_id, status, period_start, period_end,
		       cancel_at_period_end, transaction_reference, created_at, updated_at
		FROM user_subscriptions
		WHERE user_id = ?
	`, userID).Scan(
		&id,
		&s.UserID,
		&s.PlanID,
		&status,
		&periodStart,
		&periodEnd,
		&s.CancelAtPeriodEnd,
		&s.TransactionReference,
		&createdAt,
		&updatedAt,
	)
	if sharedPersistence.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}

	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	s.Status = domain.SubscriptionStatus(status)
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&s.PeriodStart, periodStart},
		{&s.PeriodEnd, periodEnd},
		{&s.CreatedAt, createdAt},
		{&s.UpdatedAt, updatedAt},
	} {
		if *f.dst, err = sharedPersistence.ParseSQLiteTime(f.src); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// FindByUserIDForUpdate is FindByUserID: SQLite serializes writers, so the
// surrounding transaction already excludes concurrent renewals.
func (r *SQLiteSubscriptionRepository) FindByUserIDForUpdate(ctx context.Context, userID string) (*domain.Subscription, error) {
	return r.FindByUserID(ctx, userID)
}

func (r *SQLiteSubscriptionRepository) EndPeriod(ctx context.Context, userID string, periodEnd time.Time, status domain.SubscriptionStatus) (bool, error) {
	res, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).ExecContext(ctx, `
		UPDATE user_subscriptions
		SET status = ?, updated_at = ?
		WHERE user_id = ? AND status = 'active' AND period_end = ?
	`, string(status), sharedPersistence.FormatSQLiteTime(timeNow()), userID, sharedPersistence.FormatSQLiteTime(periodEnd))
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ domain.SubscriptionRepository = (*SQLiteSubscriptionRepository)(nil)
