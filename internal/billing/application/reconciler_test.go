package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/internal/billing/infrastructure/providers"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) pendingTx(t *testing.T, userID, provider, planID, currency, amount string) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(userID, userID+"@example.com", provider, decimal.RequireFromString(amount), currency,
		map[string]string{domain.MetadataPlanID: planID}, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.txs.Create(context.Background(), tx))
	return tx
}

func TestReconcile_SuccessActivatesSubscription(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tx := h.pendingTx(t, "abc123", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	res, err := h.reconciler.Reconcile(ctx, tx.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	assert.True(t, res.Changed)
	assert.Equal(t, domain.TransactionSuccess, res.Transaction.Status)
	require.NotNil(t, res.Subscription)
	assert.Equal(t, domain.PlanWeekly, res.Subscription.PlanID)
	assert.True(t, res.Subscription.PeriodEnd.Equal(t0.Add(7*24*time.Hour)))

	sub := h.subs.get("abc123")
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, tx.Reference, sub.TransactionReference)

	assert.Equal(t, []string{
		domain.RoutingKeyTransactionSucceeded,
		domain.RoutingKeySubscriptionActivated,
	}, h.routingKeys())
	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricPaymentsReconciled,
		observability.T("status", "success"), observability.T("provider", domain.ProviderPaystack)))
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	_, err := h.reconciler.Reconcile(ctx, tx.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)
	first := h.subs.get("u1")

	res, err := h.reconciler.Reconcile(ctx, tx.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	assert.False(t, res.Changed)
	assert.Nil(t, res.Subscription)
	assert.True(t, h.subs.get("u1").PeriodEnd.Equal(first.PeriodEnd), "a replay must not extend the period")
	assert.Len(t, h.outbox.Messages(), 2)
}

func TestReconcile_SettledStatusNeverFlips(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	_, err := h.reconciler.Reconcile(ctx, tx.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	_, err = h.reconciler.Reconcile(ctx, tx.Reference, domain.OutcomeFailed, "")
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, domain.TransactionSuccess, h.txs.status(tx.Reference))
}

func TestReconcile_FailureDoesNotActivate(t *testing.T) {
	h := newHarness()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	res, err := h.reconciler.Reconcile(context.Background(), tx.Reference, domain.OutcomeFailed, "")
	require.NoError(t, err)

	assert.True(t, res.Changed)
	assert.Nil(t, res.Subscription)
	assert.Empty(t, h.subs.rows)
	assert.Equal(t, []string{domain.RoutingKeyTransactionFailed}, h.routingKeys())
}

func TestReconcile_PendingOutcomeLeavesLedger(t *testing.T) {
	h := newHarness()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	res, err := h.reconciler.Reconcile(context.Background(), tx.Reference, domain.OutcomePending, "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.TransactionPending, res.Transaction.Status)
	assert.Empty(t, h.outbox.Messages())
}

func TestReconcile_RenewalExtendsActivePeriod(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")
	_, err := h.reconciler.Reconcile(ctx, first.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	h.clock.Advance(2 * 24 * time.Hour)
	second := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")
	_, err = h.reconciler.Reconcile(ctx, second.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	sub := h.subs.get("u1")
	assert.True(t, sub.PeriodStart.Equal(t0))
	assert.True(t, sub.PeriodEnd.Equal(t0.Add(14*24*time.Hour)))
	assert.Equal(t, second.Reference, sub.TransactionReference)
}

func TestReconcile_RenewalAfterExpiryRestarts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")
	_, err := h.reconciler.Reconcile(ctx, first.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	h.clock.Advance(10 * 24 * time.Hour)
	second := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanMonthly, "USD", "8.00")
	_, err = h.reconciler.Reconcile(ctx, second.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	sub := h.subs.get("u1")
	now := h.clock.Now()
	assert.Equal(t, domain.PlanMonthly, sub.PlanID)
	assert.True(t, sub.PeriodStart.Equal(now))
	assert.True(t, sub.PeriodEnd.Equal(now.Add(30*24*time.Hour)))
}

func TestHandleWebhook_StripeDeclineThenRetrySucceeds(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.registry.Register(providers.NewStripe("sk_stripe", "whsec", "", providers.GatewayConfig{}, nil, nil))

	tx := h.pendingTx(t, "u1", domain.ProviderStripe, domain.PlanWeekly, "USD", "2.50")
	deliver := func(eventType, status string) WebhookStatus {
		t.Helper()
		body := []byte(fmt.Sprintf(`{"type":%q,"data":{"object":{"id":"pi_1","status":%q,"metadata":{"reference":%q}}}}`,
			eventType, status, tx.Reference))
		headers, err := providers.SignedHeaders(domain.ProviderStripe, "whsec", body, time.Now())
		require.NoError(t, err)
		got, err := h.reconciler.HandleWebhook(ctx, domain.ProviderStripe, headers, body)
		require.NoError(t, err)
		return got
	}

	assert.Equal(t, WebhookIgnored, deliver("payment_intent.payment_failed", "requires_payment_method"))
	assert.Equal(t, domain.TransactionPending, h.txs.status(tx.Reference))

	assert.Equal(t, WebhookProcessed, deliver("payment_intent.succeeded", "succeeded"))
	assert.Equal(t, domain.TransactionSuccess, h.txs.status(tx.Reference))
	sub := h.subs.get("u1")
	assert.Equal(t, domain.PlanWeekly, sub.PlanID)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
}

func TestHandleWebhook_StripeCanceledSettlesFailed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.registry.Register(providers.NewStripe("sk_stripe", "whsec", "", providers.GatewayConfig{}, nil, nil))

	tx := h.pendingTx(t, "u1", domain.ProviderStripe, domain.PlanWeekly, "USD", "2.50")
	body := []byte(fmt.Sprintf(`{"type":"payment_intent.canceled","data":{"object":{"id":"pi_1","status":"canceled","metadata":{"reference":%q}}}}`, tx.Reference))
	headers, err := providers.SignedHeaders(domain.ProviderStripe, "whsec", body, time.Now())
	require.NoError(t, err)

	status, err := h.reconciler.HandleWebhook(ctx, domain.ProviderStripe, headers, body)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, status)
	assert.Equal(t, domain.TransactionFailed, h.txs.status(tx.Reference))
}

func TestReconcile_UnknownReference(t *testing.T) {
	h := newHarness()
	_, err := h.reconciler.Reconcile(context.Background(), "ML_missing", domain.OutcomeSuccess, "")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestHandleWebhook_ChargeSuccessScenario(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	init, err := h.payments.Initialize(ctx, InitializeCommand{
		UserID:   "abc123",
		Email:    "abc123@example.com",
		Amount:   decimal.RequireFromString("2.50"),
		Currency: "USD",
		PlanID:   domain.PlanWeekly,
	})
	require.NoError(t, err)
	ref := init.Transaction.Reference
	assert.Regexp(t, `^ML_abc123_[0-9a-f]{8}$`, ref)
	assert.Equal(t, domain.ProviderPaystack, init.Transaction.Provider)

	body := []byte(`{"event":"charge.success","reference":"` + ref + `","outcome":"success"}`)
	status, err := h.reconciler.HandleWebhook(ctx, domain.ProviderPaystack, signed(), body)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, status)

	assert.Equal(t, domain.TransactionSuccess, h.txs.status(ref))
	sub := h.subs.get("abc123")
	assert.Equal(t, domain.PlanWeekly, sub.PlanID)
	assert.True(t, sub.PeriodEnd.Equal(t0.Add(7*24*time.Hour)))

	decision, err := h.evaluator.CanUse(ctx, "abc123", domain.FeatureFoodDetection)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, domain.Unlimited, decision.Limit)
	assert.Equal(t, domain.PlanWeekly, decision.Plan)

	// A redelivery is acknowledged without touching the ledger again.
	status, err = h.reconciler.HandleWebhook(ctx, domain.ProviderPaystack, signed(), body)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, status)
	assert.Len(t, h.outbox.Messages(), 2)
	assert.Equal(t, []string{domain.WebhookOutcomeIgnored, domain.WebhookOutcomeSuccess}, h.webhooks.outcomes())
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	h := newHarness()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	body := []byte(`{"event":"charge.success","reference":"` + tx.Reference + `","outcome":"success"}`)
	_, err := h.reconciler.HandleWebhook(context.Background(), domain.ProviderPaystack, http.Header{}, body)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
	assert.Equal(t, domain.TransactionPending, h.txs.status(tx.Reference))
	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricWebhooksRejected, observability.T("provider", domain.ProviderPaystack)))
	assert.Empty(t, h.webhooks.events)
}

func TestHandleWebhook_UnknownProvider(t *testing.T) {
	h := newHarness()
	_, err := h.reconciler.HandleWebhook(context.Background(), "flutterwave", signed(), []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestHandleWebhook_IgnoredEvents(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	status, err := h.reconciler.HandleWebhook(ctx, domain.ProviderPaystack, signed(),
		[]byte(`{"event":"transfer.success","reference":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, status)

	status, err = h.reconciler.HandleWebhook(ctx, domain.ProviderPaystack, signed(),
		[]byte(`{"event":"charge.success","reference":"ML_unknown","outcome":"success"}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, status)

	assert.Equal(t, []string{domain.WebhookOutcomeIgnored, domain.WebhookOutcomeIgnored}, h.webhooks.outcomes())
}

func TestHandleWebhook_ConflictKeepsState(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	_, err := h.reconciler.Reconcile(ctx, tx.Reference, domain.OutcomeSuccess, "")
	require.NoError(t, err)

	status, err := h.reconciler.HandleWebhook(ctx, domain.ProviderPaystack, signed(),
		[]byte(`{"event":"charge.failed","reference":"`+tx.Reference+`","outcome":"failed"}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, status)
	assert.Equal(t, domain.TransactionSuccess, h.txs.status(tx.Reference))
	assert.Equal(t, []string{domain.WebhookOutcomeConflict}, h.webhooks.outcomes())
}

func TestHandleWebhook_ResolvesByProviderReference(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tx := h.pendingTx(t, "u1", domain.ProviderMPesa, domain.PlanWeekly, "KES", "325")
	require.NoError(t, h.txs.SetProviderReference(ctx, tx.Reference, "ws_CO_123"))

	status, err := h.reconciler.HandleWebhook(ctx, domain.ProviderMPesa, signed(),
		[]byte(`{"event":"stk_callback","provider_reference":"ws_CO_123","outcome":"success"}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, status)
	assert.Equal(t, domain.TransactionSuccess, h.txs.status(tx.Reference))
}

func TestHandleWebhook_EventLogUnavailable(t *testing.T) {
	h := newHarness()
	h.webhooks.err = domain.ErrSchemaUnavailable
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	status, err := h.reconciler.HandleWebhook(context.Background(), domain.ProviderPaystack, signed(),
		[]byte(`{"event":"charge.success","reference":"`+tx.Reference+`","outcome":"success"}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, status)
	assert.Equal(t, domain.TransactionSuccess, h.txs.status(tx.Reference))
}

func TestHandleWebhook_FailureReleasesReplayGuard(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, "retired_plan", "USD", "2.50")
	body := []byte(`{"event":"charge.success","reference":"` + tx.Reference + `","outcome":"success"}`)

	_, err := h.reconciler.HandleWebhook(ctx, domain.ProviderPaystack, signed(), body)
	require.ErrorIs(t, err, domain.ErrPlanNotFound)
	assert.Equal(t, []string{domain.WebhookOutcomeError}, h.webhooks.outcomes())

	key := domain.ProviderPaystack + ":charge.success:" + tx.Reference
	first, err := h.guard.FirstSeen(ctx, key)
	require.NoError(t, err)
	assert.True(t, first, "a failed delivery must be retryable")
}

func TestVerifyPayment(t *testing.T) {
	t.Run("settles a pending payment", func(t *testing.T) {
		h := newHarness()
		tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")
		h.paystack.verify = &domain.VerifyResult{Outcome: domain.OutcomeSuccess, ProviderReference: "ps_1"}

		got, err := h.reconciler.VerifyPayment(context.Background(), "u1", tx.Reference)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionSuccess, got.Status)
		assert.Equal(t, "ps_1", got.ProviderReference)
		assert.Equal(t, domain.PlanWeekly, h.subs.get("u1").PlanID)
	})

	t.Run("converges with an earlier webhook", func(t *testing.T) {
		h := newHarness()
		ctx := context.Background()
		tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

		_, err := h.reconciler.HandleWebhook(ctx, domain.ProviderPaystack, signed(),
			[]byte(`{"event":"charge.success","reference":"`+tx.Reference+`","outcome":"success"}`))
		require.NoError(t, err)

		got, err := h.reconciler.VerifyPayment(ctx, "u1", tx.Reference)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionSuccess, got.Status)
		assert.Zero(t, h.paystack.verifyCalls)
		assert.Len(t, h.outbox.Messages(), 2)
	})

	t.Run("still pending", func(t *testing.T) {
		h := newHarness()
		tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")
		h.paystack.verify = &domain.VerifyResult{Outcome: domain.OutcomePending}

		got, err := h.reconciler.VerifyPayment(context.Background(), "u1", tx.Reference)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionPending, got.Status)
	})

	t.Run("other users cannot see the transaction", func(t *testing.T) {
		h := newHarness()
		tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

		_, err := h.reconciler.VerifyPayment(context.Background(), "u2", tx.Reference)
		assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
	})

	t.Run("gateway errors surface", func(t *testing.T) {
		h := newHarness()
		tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")
		h.paystack.verifyErr = &domain.GatewayError{Provider: domain.ProviderPaystack, Operation: "verify", StatusCode: 502}

		_, err := h.reconciler.VerifyPayment(context.Background(), "u1", tx.Reference)
		assert.ErrorIs(t, err, domain.ErrGateway)
		assert.Equal(t, domain.TransactionPending, h.txs.status(tx.Reference))
	})
}

func TestCancelPayment(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tx := h.pendingTx(t, "u1", domain.ProviderPaystack, domain.PlanWeekly, "USD", "2.50")

	got, err := h.reconciler.CancelPayment(ctx, "u1", tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionFailed, got.Status)

	// A late success callback cannot revive it.
	_, err = h.reconciler.Reconcile(ctx, tx.Reference, domain.OutcomeSuccess, "")
	assert.True(t, errors.Is(err, domain.ErrIdempotencyConflict))
}
