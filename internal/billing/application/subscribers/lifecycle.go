// Package subscribers reacts to billing events delivered by the event bus.
package subscribers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

// MetricLifecycleEvents counts billing events seen by the auditor.
const MetricLifecycleEvents = "billing.lifecycle.events"

// LifecycleAuditor writes an audit log line for every settled payment and
// subscription change.
type LifecycleAuditor struct {
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewLifecycleAuditor creates the auditor.
func NewLifecycleAuditor(logger *slog.Logger, metrics observability.Metrics) *LifecycleAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &LifecycleAuditor{logger: logger, metrics: metrics}
}

// EventTypes returns the routing keys the auditor handles.
func (a *LifecycleAuditor) EventTypes() []string {
	return []string{
		domain.RoutingKeyTransactionSucceeded,
		domain.RoutingKeyTransactionFailed,
		domain.RoutingKeySubscriptionActivated,
		domain.RoutingKeySubscriptionCancelled,
		domain.RoutingKeySubscriptionExpired,
	}
}

type lifecyclePayload struct {
	UserID      string     `json:"user_id"`
	PlanID      string     `json:"plan_id"`
	Reference   string     `json:"reference"`
	Provider    string     `json:"provider"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PeriodEnd   *time.Time `json:"period_end"`
	EffectiveAt *time.Time `json:"effective_at"`
}

// Handle logs the event.
func (a *LifecycleAuditor) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	var p lifecyclePayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", event.RoutingKey, err)
	}

	a.metrics.Counter(MetricLifecycleEvents, 1, observability.T("event", event.RoutingKey))

	attrs := []any{"event", event.RoutingKey, "user_id", p.UserID}
	switch event.RoutingKey {
	case domain.RoutingKeyTransactionSucceeded, domain.RoutingKeyTransactionFailed:
		attrs = append(attrs,
			observability.ReferenceKey, p.Reference,
			observability.ProviderKey, p.Provider,
			"amount", p.Amount,
			"currency", p.Currency,
			"plan_id", p.PlanID,
		)
	case domain.RoutingKeySubscriptionActivated, domain.RoutingKeySubscriptionExpired:
		attrs = append(attrs, "plan_id", p.PlanID)
		if p.PeriodEnd != nil {
			attrs = append(attrs, "period_end", p.PeriodEnd.UTC())
		}
		if p.Status != "" {
			attrs = append(attrs, "status", p.Status)
		}
	case domain.RoutingKeySubscriptionCancelled:
		attrs = append(attrs, "plan_id", p.PlanID)
		if p.EffectiveAt != nil {
			attrs = append(attrs, "effective_at", p.EffectiveAt.UTC())
		}
	}

	a.logger.InfoContext(ctx, "billing lifecycle event", attrs...)
	return nil
}

var _ eventbus.EventConsumer = (*LifecycleAuditor)(nil)
