package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/tollgate/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/tollgate/internal/shared/domain"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

// ReplayGuard remembers webhook deliveries that were already handled.
type ReplayGuard interface {
	// FirstSeen records key and reports whether it was new.
	FirstSeen(ctx context.Context, key string) (bool, error)
	// Forget drops key so a failed delivery can be retried.
	Forget(ctx context.Context, key string) error
}

// PayloadSealer encrypts webhook bodies before they are logged.
type PayloadSealer interface {
	Seal(payload []byte) ([]byte, error)
}

// WebhookStatus is the answer given to the provider.
type WebhookStatus string

const (
	WebhookProcessed WebhookStatus = "success"
	WebhookIgnored   WebhookStatus = "ignored"
)

// ReconcileResult is the ledger state after a reconcile.
type ReconcileResult struct {
	Transaction  *domain.Transaction
	Subscription *domain.Subscription
	Changed      bool
}

// Reconciler is the single place where payment outcomes are applied.
// Verification and webhooks both end in Reconcile.
type Reconciler struct {
	txs        domain.TransactionRepository
	subs       domain.SubscriptionRepository
	webhooks   domain.WebhookEventRepository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	registry   *ProviderRegistry
	catalog    *PlanCatalog
	guard      ReplayGuard
	sealer     PayloadSealer
	logger     *slog.Logger
	metrics    observability.Metrics
	now        func() time.Time
}

// ReconcilerDeps groups the reconciler's collaborators.
type ReconcilerDeps struct {
	Transactions  domain.TransactionRepository
	Subscriptions domain.SubscriptionRepository
	Webhooks      domain.WebhookEventRepository
	Outbox        outbox.Repository
	UnitOfWork    sharedApplication.UnitOfWork
	Registry      *ProviderRegistry
	Catalog       *PlanCatalog
	ReplayGuard   ReplayGuard   // optional
	Sealer        PayloadSealer // optional
	Logger        *slog.Logger
	Metrics       observability.Metrics
}

// NewReconciler creates a reconciler.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	r := &Reconciler{
		txs:        deps.Transactions,
		subs:       deps.Subscriptions,
		webhooks:   deps.Webhooks,
		outboxRepo: deps.Outbox,
		uow:        deps.UnitOfWork,
		registry:   deps.Registry,
		catalog:    deps.Catalog,
		guard:      deps.ReplayGuard,
		sealer:     deps.Sealer,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        time.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observability.NoopMetrics{}
	}
	return r
}

// WithClock replaces the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile applies outcome to the transaction under reference. Applying
// the same outcome again is a no-op; trying to flip a settled transaction
// returns ErrIdempotencyConflict and leaves it unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, reference string, outcome domain.PaymentOutcome, providerRef string) (*ReconcileResult, error) {
	to, terminal := outcome.TransactionStatus()
	if !terminal {
		tx, err := r.txs.FindByReference(ctx, reference)
		if err != nil {
			return nil, err
		}
		return &ReconcileResult{Transaction: tx}, nil
	}

	result, err := sharedApplication.WithUnitOfWorkResult(ctx, r.uow, func(txCtx context.Context) (*ReconcileResult, error) {
		changed, err := r.txs.UpdateStatus(txCtx, reference, to, providerRef)
		if err != nil {
			return nil, err
		}
		tx, err := r.txs.FindByReference(txCtx, reference)
		if err != nil {
			return nil, err
		}
		result := &ReconcileResult{Transaction: tx, Changed: changed}
		if !changed {
			return result, nil
		}

		now := r.now()
		events := []sharedDomain.DomainEvent{domain.NewTransactionSettled(tx, now)}
		if to == domain.TransactionSuccess {
			sub, err := r.activate(txCtx, tx, now)
			if err != nil {
				return nil, err
			}
			result.Subscription = sub
			events = append(events, sub.PullDomainEvents()...)
		}
		if err := saveEvents(txCtx, r.outboxRepo, tx.UserID, events); err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			r.logger.WarnContext(ctx, "refusing to change settled transaction",
				observability.ReferenceKey, reference,
				"requested_status", to,
			)
		}
		return nil, err
	}

	if result.Changed {
		r.metrics.Counter(observability.MetricPaymentsReconciled, 1,
			observability.T("status", string(to)),
			observability.T("provider", result.Transaction.Provider),
		)
		r.logger.InfoContext(ctx, "transaction settled",
			observability.ReferenceKey, reference,
			"status", to,
			observability.ProviderKey, result.Transaction.Provider,
		)
	}
	return result, nil
}

func (r *Reconciler) activate(ctx context.Context, tx *domain.Transaction, now time.Time) (*domain.Subscription, error) {
	plan, err := r.catalog.Get(tx.PlanID())
	if err != nil {
		return nil, fmt.Errorf("activate subscription for %s: %w", tx.Reference, err)
	}

	sub, err := r.subs.FindByUserIDForUpdate(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		sub = domain.NewSubscription(tx.UserID, plan, tx.Reference, now)
	} else {
		sub.Renew(plan, tx.Reference, now)
	}

	if err := r.subs.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// HandleWebhook authenticates and applies a provider notification.
func (r *Reconciler) HandleWebhook(ctx context.Context, providerName string, headers domain.Headers, body []byte) (WebhookStatus, error) {
	provider, err := r.registry.Get(providerName)
	if err != nil {
		return "", err
	}

	n, err := provider.ParseWebhook(headers, body)
	if err != nil {
		if errors.Is(err, domain.ErrSignatureInvalid) {
			r.metrics.Counter(observability.MetricWebhooksRejected, 1, observability.T("provider", providerName))
			r.logger.WarnContext(ctx, "webhook signature rejected", observability.ProviderKey, providerName)
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	r.metrics.Counter(observability.MetricWebhooksReceived, 1,
		observability.T("provider", providerName),
		observability.T("event", n.EventType),
	)

	event := r.logEvent(ctx, providerName, n, body)

	if !n.Actionable() {
		r.finish(ctx, event, domain.WebhookOutcomeIgnored)
		return WebhookIgnored, nil
	}

	reference := n.Reference
	if reference == "" && n.ProviderReference != "" {
		tx, err := r.txs.FindByProviderReference(ctx, providerName, n.ProviderReference)
		if err != nil {
			return r.unresolved(ctx, event, providerName, n, err)
		}
		reference = tx.Reference
	}
	if reference == "" {
		r.finish(ctx, event, domain.WebhookOutcomeIgnored)
		return WebhookIgnored, nil
	}

	guardKey := fmt.Sprintf("%s:%s:%s", providerName, n.EventType, reference)
	if r.guard != nil {
		first, err := r.guard.FirstSeen(ctx, guardKey)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "webhook replay guard unavailable", "error", err)
		case !first:
			r.logger.InfoContext(ctx, "duplicate webhook delivery", observability.ReferenceKey, reference)
			r.finish(ctx, event, domain.WebhookOutcomeIgnored)
			return WebhookProcessed, nil
		}
	}

	if _, err := r.Reconcile(ctx, reference, n.Outcome, n.ProviderReference); err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			r.finish(ctx, event, domain.WebhookOutcomeConflict)
			return WebhookIgnored, nil
		}
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return r.unresolved(ctx, event, providerName, n, err)
		}
		if r.guard != nil {
			if ferr := r.guard.Forget(ctx, guardKey); ferr != nil {
				r.logger.WarnContext(ctx, "failed to release replay guard", "error", ferr)
			}
		}
		r.finish(ctx, event, domain.WebhookOutcomeError)
		return "", err
	}

	r.finish(ctx, event, domain.WebhookOutcomeSuccess)
	return WebhookProcessed, nil
}

func (r *Reconciler) unresolved(ctx context.Context, event *domain.WebhookEvent, provider string, n *domain.WebhookNotification, err error) (WebhookStatus, error) {
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		r.finish(ctx, event, domain.WebhookOutcomeError)
		return "", err
	}
	r.logger.WarnContext(ctx, "webhook for unknown transaction",
		observability.ProviderKey, provider,
		observability.ReferenceKey, n.Reference,
		"provider_reference", n.ProviderReference,
	)
	r.finish(ctx, event, domain.WebhookOutcomeIgnored)
	return WebhookIgnored, nil
}

// logEvent stores the notification. A missing table degrades to handling
// the webhook without an audit row.
func (r *Reconciler) logEvent(ctx context.Context, provider string, n *domain.WebhookNotification, body []byte) *domain.WebhookEvent {
	if r.webhooks == nil {
		return nil
	}
	if r.sealer != nil {
		sealed, err := r.sealer.Seal(body)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to seal webhook payload", observability.ProviderKey, provider, "error", err)
			return nil
		}
		body = sealed
	}
	event := domain.NewWebhookEvent(provider, n, body, r.now())
	if err := r.webhooks.Save(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to log webhook event",
			observability.ProviderKey, provider,
			"schema_unavailable", errors.Is(err, domain.ErrSchemaUnavailable),
			"error", err,
		)
		return nil
	}
	return event
}

func (r *Reconciler) finish(ctx context.Context, event *domain.WebhookEvent, outcome string) {
	if event == nil {
		return
	}
	if err := r.webhooks.MarkProcessed(ctx, event.ID, outcome, r.now()); err != nil {
		r.logger.WarnContext(ctx, "failed to mark webhook event processed", "id", event.ID, "error", err)
	}
}

// VerifyPayment asks the provider for the status of a pending payment and
// reconciles it. Settled transactions are returned without a gateway call.
// A non-empty userID must own the transaction.
func (r *Reconciler) VerifyPayment(ctx context.Context, userID, reference string) (*domain.Transaction, error) {
	tx, err := r.owned(ctx, userID, reference)
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		return tx, nil
	}

	provider, err := r.registry.Get(tx.Provider)
	if err != nil {
		return nil, err
	}
	res, err := provider.Verify(ctx, domain.PaymentRef{Reference: tx.Reference, ProviderReference: tx.ProviderReference})
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", reference, err)
	}

	providerRef := res.ProviderReference
	if providerRef == "" {
		providerRef = tx.ProviderReference
	}
	result, err := r.Reconcile(ctx, reference, res.Outcome, providerRef)
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		return r.txs.FindByReference(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	return result.Transaction, nil
}

// CancelPayment fails a pending transaction at the user's request.
func (r *Reconciler) CancelPayment(ctx context.Context, userID, reference string) (*domain.Transaction, error) {
	if _, err := r.owned(ctx, userID, reference); err != nil {
		return nil, err
	}
	result, err := r.Reconcile(ctx, reference, domain.OutcomeFailed, "")
	if err != nil {
		return nil, err
	}
	return result.Transaction, nil
}

func (r *Reconciler) owned(ctx context.Context, userID, reference string) (*domain.Transaction, error) {
	tx, err := r.txs.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if userID != "" && tx.UserID != userID {
		return nil, domain.ErrTransactionNotFound
	}
	return tx, nil
}
