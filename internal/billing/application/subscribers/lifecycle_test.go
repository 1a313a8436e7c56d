package subscribers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleAuditor_ThroughInProcessBus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	metrics := observability.NewInMemoryMetrics()

	bus := eventbus.NewInProcessEventBus(logger)
	bus.RegisterConsumer(NewLifecycleAuditor(logger, metrics))

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	plan := domain.Plan{ID: domain.PlanWeekly, DurationDays: 7, Active: true}
	sub := domain.NewSubscription("u1", plan, "ML_u1_aa", now)

	payload, err := json.Marshal(domain.NewSubscriptionActivated(sub, now))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.RoutingKeySubscriptionActivated, payload))

	tx, err := domain.NewTransaction("u1", "u1@example.com", domain.ProviderPaystack,
		decimal.RequireFromString("2.50"), "USD", map[string]string{domain.MetadataPlanID: plan.ID}, now)
	require.NoError(t, err)
	tx.Status = domain.TransactionSuccess
	payload, err = json.Marshal(domain.NewTransactionSettled(tx, now))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.RoutingKeyTransactionSucceeded, payload))

	assert.Equal(t, int64(1), metrics.GetCounter(MetricLifecycleEvents,
		observability.T("event", domain.RoutingKeySubscriptionActivated)))
	assert.Equal(t, int64(1), metrics.GetCounter(MetricLifecycleEvents,
		observability.T("event", domain.RoutingKeyTransactionSucceeded)))

	out := buf.String()
	assert.Contains(t, out, "plan_id=weekly")
	assert.Contains(t, out, "period_end=2026-03-09")
	assert.Contains(t, out, "amount=2.50")
}

func TestLifecycleAuditor_RejectsMalformedPayload(t *testing.T) {
	a := NewLifecycleAuditor(nil, nil)
	err := a.Handle(context.Background(), &eventbus.ConsumedEvent{
		RoutingKey: domain.RoutingKeySubscriptionCancelled,
		Payload:    json.RawMessage(`{"user_id":`),
	})
	assert.Error(t, err)
}

func TestLifecycleAuditor_IgnoresUsageEvents(t *testing.T) {
	a := NewLifecycleAuditor(nil, nil)
	assert.NotContains(t, a.EventTypes(), domain.RoutingKeyUsageRecorded)
}
