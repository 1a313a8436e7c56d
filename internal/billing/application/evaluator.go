package application

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

// TrialConfig sets the allowance for users without a subscription.
type TrialConfig struct {
	Days       int
	FeatureCap int
}

// Length is the trial window.
func (c TrialConfig) Length() time.Duration {
	return time.Duration(c.Days) * 24 * time.Hour
}

// EntitlementEvaluator answers whether a user may use a feature.
type EntitlementEvaluator struct {
	resolver *SubscriptionResolver
	usage    domain.UsageRepository
	catalog  *PlanCatalog
	trial    TrialConfig
	failOpen bool
	logger   *slog.Logger
	metrics  observability.Metrics
	now      func() time.Time
}

// NewEntitlementEvaluator creates an evaluator. With failOpen set, storage
// errors produce a degraded trial allowance instead of an error.
func NewEntitlementEvaluator(resolver *SubscriptionResolver, usage domain.UsageRepository, catalog *PlanCatalog, trial TrialConfig, failOpen bool, logger *slog.Logger) *EntitlementEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementEvaluator{
		resolver: resolver,
		usage:    usage,
		catalog:  catalog,
		trial:    trial,
		failOpen: failOpen,
		logger:   logger,
		metrics:  observability.NoopMetrics{},
		now:      time.Now,
	}
}

// WithMetrics sets the metrics sink.
func (e *EntitlementEvaluator) WithMetrics(m observability.Metrics) *EntitlementEvaluator {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithClock replaces the time source.
func (e *EntitlementEvaluator) WithClock(now func() time.Time) *EntitlementEvaluator {
	e.now = now
	return e
}

// CanUse evaluates feature for userID.
func (e *EntitlementEvaluator) CanUse(ctx context.Context, userID string, feature domain.Feature) (domain.Decision, error) {
	decision, err := e.evaluate(ctx, userID, feature)
	if err != nil {
		if !e.failOpen || ctx.Err() != nil {
			return domain.Decision{}, err
		}
		e.logger.WarnContext(ctx, "entitlement check degraded, allowing trial usage",
			"user_id", userID,
			"feature", feature,
			"schema_unavailable", errors.Is(err, domain.ErrSchemaUnavailable),
			"error", err,
		)
		e.metrics.Counter(observability.MetricEntitlementDegraded, 1, observability.T("feature", string(feature)))
		decision = e.degraded()
	}

	e.metrics.Counter(observability.MetricEntitlementChecks, 1,
		observability.T("plan", decision.Plan),
		observability.T("allowed", strconv.FormatBool(decision.Allowed)),
	)
	return decision, nil
}

func (e *EntitlementEvaluator) evaluate(ctx context.Context, userID string, feature domain.Feature) (domain.Decision, error) {
	sub, err := e.resolver.Current(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	if sub != nil {
		plan, err := e.catalog.Get(sub.PlanID)
		if err != nil {
			return domain.Decision{}, err
		}
		used, err := e.usage.CountSince(ctx, userID, feature, sub.PeriodStart)
		if err != nil {
			return domain.Decision{}, err
		}
		return domain.Evaluate(plan.ID, used, plan.Limit(feature)), nil
	}
	return e.evaluateTrial(ctx, userID, feature)
}

func (e *EntitlementEvaluator) evaluateTrial(ctx context.Context, userID string, feature domain.Feature) (domain.Decision, error) {
	first, err := e.usage.FirstUsageAt(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	if first == nil {
		return domain.Decision{
			Allowed:   true,
			Limit:     e.trial.FeatureCap,
			Remaining: e.trial.FeatureCap,
			Plan:      domain.PlanTrial,
		}, nil
	}

	used, err := e.usage.CountSince(ctx, userID, feature, *first)
	if err != nil {
		return domain.Decision{}, err
	}
	if e.now().Before(first.Add(e.trial.Length())) {
		return domain.Evaluate(domain.PlanTrial, used, e.trial.FeatureCap), nil
	}
	return domain.Decision{CurrentUsage: used, Plan: domain.PlanTrialExpired}, nil
}

func (e *EntitlementEvaluator) degraded() domain.Decision {
	return domain.Decision{
		Allowed:   true,
		Limit:     e.trial.FeatureCap,
		Remaining: e.trial.FeatureCap,
		Plan:      domain.PlanTrial,
		Degraded:  true,
	}
}
