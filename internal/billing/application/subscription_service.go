package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/tollgate/internal/shared/application"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
)

// SubscriptionStatus is a user's effective plan.
type SubscriptionStatus struct {
	Plan         domain.Plan
	Subscription *domain.Subscription // nil on the free plan
}

// SubscriptionService reads and cancels subscriptions.
type SubscriptionService struct {
	resolver   *SubscriptionResolver
	subs       domain.SubscriptionRepository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	catalog    *PlanCatalog
	logger     *slog.Logger
	now        func() time.Time
}

// NewSubscriptionService creates a subscription service.
func NewSubscriptionService(resolver *SubscriptionResolver, subs domain.SubscriptionRepository, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork, catalog *PlanCatalog, logger *slog.Logger) *SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{
		resolver:   resolver,
		subs:       subs,
		outboxRepo: outboxRepo,
		uow:        uow,
		catalog:    catalog,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (s *SubscriptionService) WithClock(now func() time.Time) *SubscriptionService {
	s.now = now
	return s
}

// Status returns the user's effective plan.
func (s *SubscriptionService) Status(ctx context.Context, userID string) (*SubscriptionStatus, error) {
	sub, err := s.resolver.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &SubscriptionStatus{Plan: s.catalog.Free()}, nil
	}
	plan, err := s.catalog.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionStatus{Plan: plan, Subscription: sub}, nil
}

// Cancel stops the subscription from renewing. Access continues until the
// period ends.
func (s *SubscriptionService) Cancel(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.resolver.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNoActiveSubscription
	}

	return sharedApplication.WithUnitOfWorkResult(ctx, s.uow, func(txCtx context.Context) (*domain.Subscription, error) {
		locked, err := s.subs.FindByUserIDForUpdate(txCtx, userID)
		if err != nil {
			return nil, err
		}
		if locked == nil {
			return nil, domain.ErrNoActiveSubscription
		}
		if err := locked.Cancel(s.now()); err != nil {
			return nil, err
		}
		events := locked.PullDomainEvents()
		if len(events) == 0 {
			return locked, nil
		}
		if err := s.subs.Upsert(txCtx, locked); err != nil {
			return nil, err
		}
		if err := saveEvents(txCtx, s.outboxRepo, userID, events); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "subscription cancelled",
			"user_id", userID,
			"period_end", locked.PeriodEnd,
		)
		return locked, nil
	})
}
