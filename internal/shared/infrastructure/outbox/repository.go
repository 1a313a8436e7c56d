package outbox

import (
	"context"
	"time"
)

// Repository persists lifecycle events waiting to reach the broker.
// Messages are written inside the same transaction as the ledger change
// that produced them.
type Repository interface {
	Save(ctx context.Context, msg *Message) error
	SaveBatch(ctx context.Context, msgs []*Message) error

	// GetUnpublished returns pending messages whose retry time has passed,
	// oldest first. Dead-lettered messages are excluded.
	GetUnpublished(ctx context.Context, limit int) ([]*Message, error)

	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error
	MarkDead(ctx context.Context, id int64, reason string) error

	// CountDead reports how many messages gave up on delivery.
	CountDead(ctx context.Context) (int64, error)

	// DeleteOld removes published messages older than the retention window.
	// Dead-lettered messages stay until an operator handles them.
	DeleteOld(ctx context.Context, olderThanDays int) (int64, error)
}
