package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
)

// timeNow is the clock for row bookkeeping columns.
var timeNow = time.Now

// SQLiteUsageRepository implements domain.UsageRepository for local mode.
// Timestamps use a fixed-width layout so range filters compare as text.
type SQLiteUsageRepository struct {
	db *sql.DB
}

// NewSQLiteUsageRepository creates a new repository.
func NewSQLiteUsageRepository(db *sql.DB) *SQLiteUsageRepository {
	return &SQLiteUsageRepository{db: db}
}

func (r *SQLiteUsageRepository) Append(ctx context.Context, rec *domain.UsageRecord) error {
	_, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO usage_records (id, user_id, feature, count, recorded_at) VALUES (?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.UserID, string(rec.Feature), rec.Count, sharedPersistence.FormatSQLiteTime(rec.RecordedAt))
	return mapError(err)
}

func (r *SQLiteUsageRepository) CountSince(ctx context.Context, userID string, feature domain.Feature, since time.Time) (int, error) {
	var total int
	err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0)
		FROM usage_records
		WHERE user_id = ? AND feature = ? AND recorded_at >= ?
	`, userID, string(feature), sharedPersistence.FormatSQLiteTime(since)).Scan(&total)
	if err != nil {
		return 0, mapError(err)
	}
	return total, nil
}

func (r *SQLiteUsageRepository) FirstUsageAt(ctx context.Context, userID string) (*time.Time, error) {
	var first sql.NullString
	err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).QueryRowContext(ctx, `
		SELECT MIN(recorded_at) FROM usage_records WHERE user_id = ?
	`, userID).Scan(&first)
	if err != nil {
		return nil, mapError(err)
	}
	if !first.Valid {
		return nil, nil
	}
	t, err := sharedPersistence.ParseSQLiteTime(first.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLiteUsageRepository) Totals(ctx context.Context, userID string, from, to time.Time) (map[domain.Feature]int, error) {
	rows, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).QueryContext(ctx, `
		SELECT feature, SUM(count)
		FROM usage_records
		WHERE user_id = ? AND recorded_at >= ? AND recorded_at < ?
		GROUP BY feature
	`, userID, sharedPersistence.FormatSQLiteTime(from), sharedPersistence.FormatSQLiteTime(to))
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
	return out, rows.Err()
}

var _ domain.UsageRepository = (*SQLiteUsageRepository)(nil)
