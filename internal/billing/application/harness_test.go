package application

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock    *clock
	txs      *fakeTransactions
	subs     *fakeSubscriptions
	usage    *fakeUsage
	webhooks *fakeWebhooks
	outbox   *outbox.InMemoryRepository
	guard    *fakeGuard
	metrics  *observability.InMemoryMetrics
	paystack *fakeProvider
	mpesa    *fakeProvider
	stripe   *fakeProvider
	registry *ProviderRegistry
	catalog  *PlanCatalog

	resolver   *SubscriptionResolver
	evaluator  *EntitlementEvaluator
	recorder   *UsageRecorder
	reconciler *Reconciler
	payments   *PaymentService
	subsSvc    *SubscriptionService
}

func newHarness() *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		clock:    newClock(t0),
		txs:      newFakeTransactions(),
		subs:     newFakeSubscriptions(),
		usage:    &fakeUsage{},
		webhooks: newFakeWebhooks(),
		outbox:   outbox.NewInMemoryRepository(),
		guard:    newFakeGuard(),
		metrics:  observability.NewInMemoryMetrics(),
		paystack: newFakeProvider(domain.ProviderPaystack, "NGN", "GHS", "ZAR", "KES", "USD"),
		mpesa:    newFakeProvider(domain.ProviderMPesa, "KES"),
		stripe:   newFakeProvider(domain.ProviderStripe, "USD", "EUR", "GBP"),
		registry: NewProviderRegistry(),
		catalog:  NewPlanCatalog(DefaultPlans()...),
	}
	h.registry.Register(h.paystack)
	h.registry.Register(h.mpesa)
	h.registry.Register(h.stripe)

	trial := TrialConfig{Days: 7, FeatureCap: 5}
	h.resolver = NewSubscriptionResolver(h.subs, h.outbox, nil, logger).WithClock(h.clock.Now)
	h.evaluator = NewEntitlementEvaluator(h.resolver, h.usage, h.catalog, trial, true, logger).
		WithMetrics(h.metrics).
		WithClock(h.clock.Now)
	h.recorder = NewUsageRecorder(h.usage, h.outbox, nil, h.resolver, h.catalog, trial, nil, logger).
		WithMetrics(h.metrics).
		WithClock(h.clock.Now)
	h.reconciler = NewReconciler(ReconcilerDeps{
		Transactions:  h.txs,
		Subscriptions: h.subs,
		Webhooks:      h.webhooks,
		Outbox:        h.outbox,
		Registry:      h.registry,
		Catalog:       h.catalog,
		ReplayGuard:   h.guard,
		Logger:        logger,
		Metrics:       h.metrics,
	}).WithClock(h.clock.Now)
	h.payments = NewPaymentService(h.txs, h.registry, h.catalog, "https://app.test/callback", logger).
		WithMetrics(h.metrics).
		WithClock(h.clock.Now)
	h.subsSvc = NewSubscriptionService(h.resolver, h.subs, h.outbox, nil, h.catalog, logger).WithClock(h.clock.Now)
	return h
}

func (h *harness) routingKeys() []string {
	var keys []string
	for _, m := range h.outbox.Messages() {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func signed() http.Header {
	hdr := http.Header{}
	hdr.Set("X-Test-Signature", "ok")
	return hdr
}
