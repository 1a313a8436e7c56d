package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_AppendsAndPublishes(t *testing.T) {
	h := newHarness()

	rec, err := h.recorder.Record(context.Background(), "u1", domain.FeatureFoodDetection, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.Count)
	assert.True(t, rec.RecordedAt.Equal(t0))
	assert.Len(t, h.usage.records, 1)
	assert.Equal(t, []string{domain.RoutingKeyUsageRecorded}, h.routingKeys())
	assert.Equal(t, int64(2), h.metrics.GetCounter(observability.MetricUsageRecorded,
		observability.T("feature", string(domain.FeatureFoodDetection))))
}

func TestRecord_StartsTrialClock(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.clock.Advance(3 * day)
	_, err := h.recorder.Record(ctx, "u1", domain.FeatureMealPlanning, 1)
	require.NoError(t, err)

	h.clock.Advance(6 * day)
	d, err := h.evaluator.CanUse(ctx, "u1", domain.FeatureMealPlanning)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "the trial runs from the first usage, not from sign-up")
}

func TestRecord_Validation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.recorder.Record(ctx, "u1", domain.FeatureFoodDetection, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.recorder.Record(ctx, "", domain.FeatureFoodDetection, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	assert.Empty(t, h.usage.records)
}

func TestRecord_RateLimited(t *testing.T) {
	h := newHarness()
	h.recorder.limiter = fakeLimiter{allow: false}

	_, err := h.recorder.Record(context.Background(), "u1", domain.FeatureFoodDetection, 1)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, h.usage.records)
}

func TestRecord_LimiterOutageAllows(t *testing.T) {
	h := newHarness()
	h.recorder.limiter = fakeLimiter{err: errors.New("redis down")}

	_, err := h.recorder.Record(context.Background(), "u1", domain.FeatureFoodDetection, 1)
	require.NoError(t, err)
	assert.Len(t, h.usage.records, 1)
}

func TestRecord_StorageError(t *testing.T) {
	h := newHarness()
	h.usage.err = errors.New("disk full")

	_, err := h.recorder.Record(context.Background(), "u1", domain.FeatureFoodDetection, 1)
	assert.Error(t, err)
	assert.Empty(t, h.outbox.Messages())
}

func TestRecord_MissingSchemaDegrades(t *testing.T) {
	h := newHarness()
	h.usage.err = domain.ErrSchemaUnavailable

	rec, err := h.recorder.Record(context.Background(), "u1", domain.FeatureFoodDetection, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
	assert.Empty(t, h.outbox.Messages())
}

func TestSummarize_MissingSchemaDegrades(t *testing.T) {
	h := newHarness()
	h.usage.err = domain.ErrSchemaUnavailable

	s, err := h.recorder.Summarize(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanTrial, s.Plan)
	for _, f := range s.Features {
		assert.Zero(t, f.Used)
	}
}

func TestSummarize_Trial(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.usage.add("u1", domain.FeatureFoodDetection, 3, t0)
	h.usage.add("u1", "voice_notes", 1, t0.Add(time.Hour))
	h.clock.Advance(2 * day)

	s, err := h.recorder.Summarize(ctx, "u1", "")
	require.NoError(t, err)

	assert.Equal(t, PeriodCurrent, s.Period)
	assert.Equal(t, domain.PlanTrial, s.Plan)
	assert.True(t, s.From.Equal(t0))
	assert.True(t, s.To.Equal(t0.Add(7*day)))
	require.Len(t, s.Features, 4)
	assert.Equal(t, domain.FeatureUsage{Feature: domain.FeatureFoodDetection, Used: 3, Limit: 5, Remaining: 2}, s.Features[0])
	assert.Equal(t, domain.FeatureUsage{Feature: "voice_notes", Used: 1, Limit: 5, Remaining: 4}, s.Features[3])
}

func TestSummarize_Subscription(t *testing.T) {
	h := newHarness()
	h.subscribe("u1", domain.PlanWeekly, t0, t0.Add(7*day))
	h.usage.add("u1", domain.FeatureAIKitchen, 9, t0.Add(time.Hour))
	h.clock.Advance(day)

	s, err := h.recorder.Summarize(context.Background(), "u1", PeriodCurrent)
	require.NoError(t, err)

	assert.Equal(t, domain.PlanWeekly, s.Plan)
	for _, f := range s.Features {
		assert.Equal(t, domain.Unlimited, f.Limit)
		assert.Equal(t, domain.Unlimited, f.Remaining)
		if f.Feature == domain.FeatureAIKitchen {
			assert.Equal(t, 9, f.Used)
		}
	}
}

func TestSummarize_Month(t *testing.T) {
	h := newHarness()
	h.usage.add("u1", domain.FeatureMealPlanning, 1, time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC))
	h.usage.add("u1", domain.FeatureMealPlanning, 2, t0)

	s, err := h.recorder.Summarize(context.Background(), "u1", "2026-02")
	require.NoError(t, err)

	assert.Equal(t, "2026-02", s.Period)
	assert.True(t, s.From.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, s.To.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, s.Features[1].Used)
}

func TestSummarize_InvalidPeriod(t *testing.T) {
	h := newHarness()
	_, err := h.recorder.Summarize(context.Background(), "u1", "last-week")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
