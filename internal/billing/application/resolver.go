package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/tollgate/internal/shared/application"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
)

// SubscriptionResolver is the only way reads obtain a user's subscription.
// It applies lazy expiry: a period that has ended is persisted as over and
// the subscription is reported as absent.
type SubscriptionResolver struct {
	subs       domain.SubscriptionRepository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	logger     *slog.Logger
	now        func() time.Time
}

// NewSubscriptionResolver creates a resolver.
func NewSubscriptionResolver(subs domain.SubscriptionRepository, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork, logger *slog.Logger) *SubscriptionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionResolver{
		subs:       subs,
		outboxRepo: outboxRepo,
		uow:        uow,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (r *SubscriptionResolver) WithClock(now func() time.Time) *SubscriptionResolver {
	r.now = now
	return r
}

// Current returns the user's active subscription or nil.
func (r *SubscriptionResolver) Current(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := r.subs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status != domain.SubscriptionActive {
		return nil, nil
	}

	periodEnd := sub.PeriodEnd
	if !sub.ExpireIfDue(r.now()) {
		return sub, nil
	}

	err = sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		changed, err := r.subs.EndPeriod(txCtx, userID, periodEnd, sub.Status)
		if err != nil || !changed {
			return err
		}
		return saveEvents(txCtx, r.outboxRepo, userID, sub.PullDomainEvents())
	})
	if err != nil {
		// The period is over either way; the next read retries the write.
		r.logger.WarnContext(ctx, "failed to persist subscription expiry",
			"user_id", userID,
			"status", sub.Status,
			"error", err,
		)
	}
	return nil, nil
}
