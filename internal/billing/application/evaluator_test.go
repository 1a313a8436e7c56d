package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func (h *harness) subscribe(userID, planID string, start, end time.Time) {
	h.subs.rows[userID] = domain.Subscription{
		UserID:      userID,
		PlanID:      planID,
		Status:      domain.SubscriptionActive,
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

func TestCanUse_NewUserGetsTrial(t *testing.T) {
	h := newHarness()

	d, err := h.evaluator.CanUse(context.Background(), "u1", domain.FeatureMealPlanning)
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, domain.PlanTrial, d.Plan)
	assert.Equal(t, 5, d.Limit)
	assert.Equal(t, 5, d.Remaining)
	assert.Zero(t, d.CurrentUsage)
}

func TestCanUse_TrialWindowBoundary(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.usage.add("u1", domain.FeatureFoodDetection, 1, t0)

	h.clock.Advance(6*day + 23*time.Hour)
	d, err := h.evaluator.CanUse(ctx, "u1", domain.FeatureFoodDetection)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, domain.PlanTrial, d.Plan)
	assert.Equal(t, 1, d.CurrentUsage)
	assert.Equal(t, 4, d.Remaining)

	h.clock.Advance(time.Hour + time.Second)
	d, err = h.evaluator.CanUse(ctx, "u1", domain.FeatureFoodDetection)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.PlanTrialExpired, d.Plan)
	assert.Zero(t, d.Remaining)
}

func TestCanUse_TrialCapIsPerFeature(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.usage.add("u1", domain.FeatureAIKitchen, 5, t0)
	h.clock.Advance(time.Hour)

	d, err := h.evaluator.CanUse(ctx, "u1", domain.FeatureAIKitchen)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5, d.CurrentUsage)
	assert.Zero(t, d.Remaining)

	d, err = h.evaluator.CanUse(ctx, "u1", domain.FeatureMealPlanning)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Remaining)
}

func TestCanUse_UnlimitedPlan(t *testing.T) {
	h := newHarness()
	h.subscribe("u1", domain.PlanMonthly, t0, t0.Add(30*day))
	h.usage.add("u1", domain.FeatureFoodDetection, 500, t0.Add(time.Minute))
	h.clock.Advance(time.Hour)

	d, err := h.evaluator.CanUse(context.Background(), "u1", domain.FeatureFoodDetection)
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, domain.PlanMonthly, d.Plan)
	assert.Equal(t, domain.Unlimited, d.Limit)
	assert.Equal(t, domain.Unlimited, d.Remaining)
	assert.Equal(t, 500, d.CurrentUsage)
}

func TestCanUse_CountsOnlyCurrentPeriod(t *testing.T) {
	h := newHarness()
	h.catalog = NewPlanCatalog(domain.Plan{
		ID: "starter", DurationDays: 7, Active: true,
		Limits: map[domain.Feature]int{domain.FeatureMealPlanning: 3},
	})
	h.evaluator = NewEntitlementEvaluator(h.resolver, h.usage, h.catalog, TrialConfig{Days: 7, FeatureCap: 5}, true, nil).
		WithClock(h.clock.Now)

	h.usage.add("u1", domain.FeatureMealPlanning, 10, t0.Add(-2*day))
	h.usage.add("u1", domain.FeatureMealPlanning, 2, t0.Add(time.Hour))
	h.subscribe("u1", "starter", t0, t0.Add(7*day))
	h.clock.Advance(2 * time.Hour)

	d, err := h.evaluator.CanUse(context.Background(), "u1", domain.FeatureMealPlanning)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.CurrentUsage)
	assert.Equal(t, 1, d.Remaining)
}

func TestCanUse_LazyExpiry(t *testing.T) {
	for _, tc := range []struct {
		name       string
		cancelled  bool
		wantStatus domain.SubscriptionStatus
	}{
		{name: "expires", wantStatus: domain.SubscriptionExpired},
		{name: "cancelled at period end", cancelled: true, wantStatus: domain.SubscriptionCancelled},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.subscribe("u1", domain.PlanWeekly, t0.Add(-7*day), t0.Add(time.Hour))
			sub := h.subs.rows["u1"]
			sub.CancelAtPeriodEnd = tc.cancelled
			h.subs.rows["u1"] = sub
			h.usage.add("u1", domain.FeatureFoodDetection, 1, t0.Add(-7*day))
			h.clock.Advance(2 * time.Hour)

			d, err := h.evaluator.CanUse(context.Background(), "u1", domain.FeatureFoodDetection)
			require.NoError(t, err)

			assert.NotEqual(t, domain.PlanWeekly, d.Plan)
			assert.Equal(t, tc.wantStatus, h.subs.get("u1").Status)
			assert.Equal(t, []string{domain.RoutingKeySubscriptionExpired}, h.routingKeys())

			// Expiry is persisted once.
			_, err = h.evaluator.CanUse(context.Background(), "u1", domain.FeatureFoodDetection)
			require.NoError(t, err)
			assert.Len(t, h.outbox.Messages(), 1)
		})
	}
}

func TestCanUse_FailOpen(t *testing.T) {
	h := newHarness()
	h.usage.err = errors.New("connection refused")

	d, err := h.evaluator.CanUse(context.Background(), "u1", domain.FeatureFoodDetection)
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, domain.PlanTrial, d.Plan)
	assert.Equal(t, 5, d.Remaining)
	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricEntitlementDegraded,
		observability.T("feature", string(domain.FeatureFoodDetection))))
}

func TestCanUse_FailClosed(t *testing.T) {
	h := newHarness()
	h.usage.err = domain.ErrSchemaUnavailable
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evaluator := NewEntitlementEvaluator(h.resolver, h.usage, h.catalog, TrialConfig{Days: 7, FeatureCap: 5}, false, logger)

	_, err := evaluator.CanUse(context.Background(), "u1", domain.FeatureFoodDetection)
	assert.ErrorIs(t, err, domain.ErrSchemaUnavailable)
}

func TestCanUse_CancelledContextIsNotDegraded(t *testing.T) {
	h := newHarness()
	h.usage.err = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.evaluator.CanUse(ctx, "u1", domain.FeatureFoodDetection)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCanUse_RecordsDecisionMetric(t *testing.T) {
	h := newHarness()
	_, err := h.evaluator.CanUse(context.Background(), "u1", domain.FeatureFoodDetection)
	require.NoError(t, err)

	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricEntitlementChecks,
		observability.T("plan", domain.PlanTrial), observability.T("allowed", "true")))
}
