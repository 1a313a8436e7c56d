package persistence

import (
	"context"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
)

// PostgresUsageRepository implements domain.UsageRepository.
type PostgresUsageRepository struct {
	pool sharedPersistence.Pool
}

// NewPostgresUsageRepository creates a new repository.
func NewPostgresUsageRepository(pool sharedPersistence.Pool) *PostgresUsageRepository {
	return &PostgresUsageRepository{pool: pool}
}

// Append inserts a usage record.
func (r *PostgresUsageRepository) Append(ctx context.Context, rec *domain.UsageRecord) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO usage_records (id, user_id, feature, count, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.UserID, string(rec.Feature), rec.Count, rec.RecordedAt)
	return mapError(err)
}

// CountSince sums usage of a feature from since onwards.
func (r *PostgresUsageRepository) CountSince(ctx context.Context, userID string, feature domain.Feature, since time.Time) (int, error) {
	var total int
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0)::int
		FROM usage_records
		WHERE user_id = $1 AND feature = $2 AND recorded_at >= $3
	`, userID, string(feature), since).Scan(&total)
	if err != nil {
		return 0, mapError(err)
	}
	return total, nil
}

// FirstUsageAt returns the timestamp of the user's earliest usage.
func (r *PostgresUsageRepository) FirstUsageAt(ctx context.Context, userID string) (*time.Time, error) {
	var first *time.Time
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, `
		SELECT MIN(recorded_at) FROM usage_records WHERE user_id = $1
	`, userID).Scan(&first)
	if err != nil {
		return nil, mapError(err)
	}
	if first != nil {
		utc := first.UTC()
		first = &utc
	}
	return first, nil
}

// Totals sums usage per feature in [from, to).
func (r *PostgresUsageRepository) Totals(ctx context.Context, userID string, from, to time.Time) (map[domain.Feature]int, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx, `
		SELECT feature, SUM(count)::int
		FROM usage_records
		WHERE user_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		GROUP BY feature
	`, userID, from, to)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make(map[domain.Feature]int)
	for rows.Next() {
		var (
			feature string
			total   int
		)
		if err := rows.Scan(&feature, &total); err != nil {
			return nil, err
		}
		out[domain.Feature(feature)] = total
	}
	return out, mapError(rows.Err())
}

var _ domain.UsageRepository = (*PostgresUsageRepository)(nil)
