package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/tollgate/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/tollgate/internal/shared/domain"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

// PeriodCurrent selects the active subscription period or trial window.
const PeriodCurrent = "current"

// RateLimiter bounds how often a key may act.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// UsageRecorder appends usage and summarizes it.
type UsageRecorder struct {
	usage      domain.UsageRepository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	resolver   *SubscriptionResolver
	catalog    *PlanCatalog
	trial      TrialConfig
	limiter    RateLimiter
	logger     *slog.Logger
	metrics    observability.Metrics
	now        func() time.Time
}

// NewUsageRecorder creates a recorder. limiter may be nil.
func NewUsageRecorder(
	usage domain.UsageRepository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	resolver *SubscriptionResolver,
	catalog *PlanCatalog,
	trial TrialConfig,
	limiter RateLimiter,
	logger *slog.Logger,
) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageRecorder{
		usage:      usage,
		outboxRepo: outboxRepo,
		uow:        uow,
		resolver:   resolver,
		catalog:    catalog,
		trial:      trial,
		limiter:    limiter,
		logger:     logger,
		metrics:    observability.NoopMetrics{},
		now:        time.Now,
	}
}

// WithMetrics sets the metrics sink.
func (r *UsageRecorder) WithMetrics(m observability.Metrics) *UsageRecorder {
	if m != nil {
		r.metrics = m
	}
	return r
}

// WithClock replaces the time source.
func (r *UsageRecorder) WithClock(now func() time.Time) *UsageRecorder {
	r.now = now
	return r
}

// Record appends count uses of feature.
func (r *UsageRecorder) Record(ctx context.Context, userID string, feature domain.Feature, count int) (*domain.UsageRecord, error) {
	record, err := domain.NewUsageRecord(userID, feature, count, r.now())
	if err != nil {
		return nil, err
	}

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, "usage:"+userID)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "usage rate limiter unavailable", "user_id", userID, "error", err)
		case !allowed:
			return nil, domain.ErrRateLimited
		}
	}

	err = sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		if err := r.usage.Append(txCtx, record); err != nil {
			return err
		}
		return saveEvents(txCtx, r.outboxRepo, userID, []sharedDomain.DomainEvent{domain.NewUsageRecorded(record)})
	})
	if errors.Is(err, domain.ErrSchemaUnavailable) && ctx.Err() == nil {
		r.logger.WarnContext(ctx, "usage table unavailable, dropping usage record",
			"user_id", userID,
			"feature", feature,
			"count", count,
		)
		r.metrics.Counter(observability.MetricEntitlementDegraded, 1, observability.T("feature", string(feature)))
		return record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}

	r.metrics.Counter(observability.MetricUsageRecorded, int64(count), observability.T("feature", string(feature)))
	return record, nil
}

// Summarize totals usage for a calendar month ("YYYY-MM") or for the
// current entitlement window (PeriodCurrent or empty).
func (r *UsageRecorder) Summarize(ctx context.Context, userID, period string) (*domain.UsageSummary, error) {
	now := r.now().UTC()

	window, err := r.currentWindow(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	if period != "" && period != PeriodCurrent {
		month, err := time.Parse("2006-01", period)
		if err != nil {
			return nil, fmt.Errorf("%w: period must be YYYY-MM or %q", domain.ErrInvalidRequest, PeriodCurrent)
		}
		window.from = month
		window.to = month.AddDate(0, 1, 0)
	} else {
		period = PeriodCurrent
	}

	totals, err := r.usage.Totals(ctx, userID, window.from, window.to)
	switch {
	case errors.Is(err, domain.ErrSchemaUnavailable) && ctx.Err() == nil:
		r.logger.WarnContext(ctx, "usage table unavailable, reporting empty usage", "user_id", userID)
		totals = map[domain.Feature]int{}
	case err != nil:
		return nil, err
	}

	features := domain.KnownFeatures()
	var extra []domain.Feature
	for f := range totals {
		if !slices.Contains(features, f) {
			extra = append(extra, f)
		}
	}
	slices.Sort(extra)
	features = append(features, extra...)

	summary := &domain.UsageSummary{
		UserID: userID,
		Period: period,
		From:   window.from,
		To:     window.to,
		Plan:   window.plan,
	}
	for _, f := range features {
		used := totals[f]
		limit := window.limit(f)
		summary.Features = append(summary.Features, domain.FeatureUsage{
			Feature:   f,
			Used:      used,
			Limit:     limit,
			Remaining: domain.Remaining(used, limit),
		})
	}
	return summary, nil
}

type usageWindow struct {
	from, to time.Time
	plan     string
	limit    func(domain.Feature) int
}

func (r *UsageRecorder) currentWindow(ctx context.Context, userID string, now time.Time) (usageWindow, error) {
	sub, err := r.resolver.Current(ctx, userID)
	if err != nil {
		return usageWindow{}, err
	}
	if sub != nil {
		plan, err := r.catalog.Get(sub.PlanID)
		if err != nil {
			return usageWindow{}, err
		}
		return usageWindow{from: sub.PeriodStart, to: sub.PeriodEnd, plan: plan.ID, limit: plan.Limit}, nil
	}

	first, err := r.usage.FirstUsageAt(ctx, userID)
	if err != nil && (!errors.Is(err, domain.ErrSchemaUnavailable) || ctx.Err() != nil) {
		return usageWindow{}, err
	}
	start := now
	if first != nil {
		start = first.UTC()
	}
	end := start.Add(r.trial.Length())
	if end.After(now) {
		capped := func(domain.Feature) int { return r.trial.FeatureCap }
		return usageWindow{from: start, to: end, plan: domain.PlanTrial, limit: capped}, nil
	}
	none := func(domain.Feature) int { return 0 }
	return usageWindow{from: start, to: end, plan: domain.PlanTrialExpired, limit: none}, nil
}
