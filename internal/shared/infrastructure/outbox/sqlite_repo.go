package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteRepository implements Repository for local mode.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite outbox repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Save stores a new outbox message, joining the transaction in ctx if any.
func (r *SQLiteRepository) Save(ctx context.Context, msg *Message) error {
	exec := sharedPersistence.SQLiteExecutorFor(ctx, r.db)
	res, err := exec.ExecContext(ctx, `
		INSERT INTO outbox (
			event_id, aggregate_type, aggregate_id, event_type, routing_key,
			payload, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.EventID.String(),
		msg.AggregateType,
		msg.AggregateID,
		msg.EventType,
		msg.RoutingKey,
		string(msg.Payload),
		string(msg.Metadata),
		sharedPersistence.FormatSQLiteTime(msg.CreatedAt),
	)
	if err != nil {
		return err
	}
	msg.ID, err = res.LastInsertId()
	return err
}

// SaveBatch stores multiple outbox messages atomically.
func (r *SQLiteRepository) SaveBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	uow := sharedPersistence.NewSQLiteUnitOfWork(r.db)
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := r.Save(txCtx, msg); err != nil {
			_ = uow.Rollback(txCtx)
			return err
		}
	}
	return uow.Commit(txCtx)
}

// GetUnpublished retrieves unpublished messages that are due.
func (r *SQLiteRepository) GetUnpublished(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, aggregate_type, aggregate_id, event_type, routing_key,
		       payload, metadata, created_at, published_at, next_retry_at, retry_count,
		       last_error, dead_lettered_at, dead_letter_reason
		FROM outbox
		WHERE published_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at, id
		LIMIT ?`,
		sharedPersistence.FormatSQLiteTime(r.now()), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks a message as successfully published.
func (r *SQLiteRepository) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`,
		sharedPersistence.FormatSQLiteTime(r.now()), id)
	return err
}

// MarkFailed records a publish failure with error message.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
		WHERE id = ?`,
		errMsg, sharedPersistence.FormatSQLiteTime(nextRetryAt), id)
	return err
}

// MarkDead marks a message as dead-lettered.
func (r *SQLiteRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET dead_lettered_at = ?, dead_letter_reason = ? WHERE id = ?`,
		sharedPersistence.FormatSQLiteTime(r.now()), reason, id)
	return err
}

func (r *SQLiteRepository) CountDead(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE dead_lettered_at IS NOT NULL`).Scan(&n)
	return n, err
}

// DeleteOld removes successfully published messages older than the retention period.
func (r *SQLiteRepository) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -olderThanDays)
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?`,
		sharedPersistence.FormatSQLiteTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSQLiteMessage(rows *sql.Rows) (*Message, error) {
	var (
		msg                              Message
		eventID, payload, metadata       string
		createdAt                        string
		publishedAt, nextRetryAt, deadAt sql.NullString
		lastError, deadReason            sql.NullString
	)
	if err := rows.Scan(
		&msg.ID, &eventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.RoutingKey,
		&payload, &metadata, &createdAt, &publishedAt, &nextRetryAt, &msg.RetryCount,
		&lastError, &deadAt, &deadReason,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(eventID)
	if err != nil {
		return nil, fmt.Errorf("outbox %d: invalid event id: %w", msg.ID, err)
	}
	msg.EventID = id
	msg.Payload = []byte(payload)
	msg.Metadata = []byte(metadata)
	if msg.CreatedAt, err = sharedPersistence.ParseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	msg.PublishedAt = nullableTime(publishedAt)
	msg.NextRetryAt = nullableTime(nextRetryAt)
	msg.DeadLetteredAt = nullableTime(deadAt)
	if lastError.Valid {
		msg.LastError = &lastError.String
	}
	if deadReason.Valid {
		msg.DeadLetterReason = &deadReason.String
	}
	return &msg, nil
}

func nullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := sharedPersistence.ParseSQLiteTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

var _ Repository = (*SQLiteRepository)(nil)
