package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransactionRepository is the payment ledger.
type TransactionRepository interface {
	// Create inserts a pending transaction. A duplicate reference returns
	// ErrIdempotencyConflict.
	Create(ctx context.Context, tx *Transaction) error

	// UpdateStatus moves a pending transaction to a terminal status. It
	// reports changed=false when the row already holds that status and
	// ErrIdempotencyConflict when it holds the other terminal status.
	UpdateStatus(ctx context.Context, reference string, to TransactionStatus, providerRef string) (changed bool, err error)

	// SetProviderReference stores the gateway's ID for a pending transaction.
	SetProviderReference(ctx context.Context, reference, providerRef string) error

	FindByReference(ctx context.Context, reference string) (*Transaction, error)
	FindByProviderReference(ctx context.Context, provider, providerRef string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// SubscriptionRepository stores the one subscription row per user.
type SubscriptionRepository interface {
	// FindByUserID returns nil, nil when the user never subscribed.
	FindByUserID(ctx context.Context, userID string) (*Subscription, error)
	// FindByUserIDForUpdate is FindByUserID that also locks the row for the
	// rest of the surrounding transaction.
	FindByUserIDForUpdate(ctx context.Context, userID string) (*Subscription, error)
	Upsert(ctx context.Context, subscription *Subscription) error
	// EndPeriod moves an active row whose period_end still equals periodEnd
	// to status. It reports false when another writer got there first.
	EndPeriod(ctx context.Context, userID string, periodEnd time.Time, status SubscriptionStatus) (bool, error)
}

// UsageRepository is the append-only usage log.
type UsageRepository interface {
	Append(ctx context.Context, record *UsageRecord) error
	// CountSince sums usage of feature in [since, now].
	CountSince(ctx context.Context, userID string, feature Feature, since time.Time) (int, error)
	// FirstUsageAt returns nil when the user has no usage.
	FirstUsageAt(ctx context.Context, userID string) (*time.Time, error)
	// Totals sums usage per feature in [from, to).
	Totals(ctx context.Context, userID string, from, to time.Time) (map[Feature]int, error)
}

// WebhookEventRepository is the provider notification log.
type WebhookEventRepository interface {
	Save(ctx context.Context, event *WebhookEvent) error
	MarkProcessed(ctx context.Context, id uuid.UUID, outcome string, at time.Time) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
