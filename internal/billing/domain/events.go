package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/tollgate/internal/shared/domain"
)

// Routing keys for billing events.
const (
	RoutingKeyTransactionSucceeded  = "billing.transaction.succeeded"
	RoutingKeyTransactionFailed     = "billing.transaction.failed"
	RoutingKeySubscriptionActivated = "billing.subscription.activated"
	RoutingKeySubscriptionCancelled = "billing.subscription.cancelled"
	RoutingKeySubscriptionExpired   = "billing.subscription.expired"
	RoutingKeyUsageRecorded         = "billing.usage.recorded"
)

const (
	aggregateTransaction  = "Transaction"
	aggregateSubscription = "Subscription"
	aggregateUsage        = "Usage"
)

// TransactionSettled is raised when a transaction reaches a terminal status.
type TransactionSettled struct {
	sharedDomain.BaseEvent
	Reference         string `json:"reference"`
	UserID            string `json:"user_id"`
	Provider          string `json:"provider"`
	ProviderReference string `json:"provider_reference,omitempty"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	PlanID            string `json:"plan_id,omitempty"`
}

// NewTransactionSettled builds the succeeded or failed event for tx.
func NewTransactionSettled(tx *Transaction, now time.Time) *TransactionSettled {
	key := RoutingKeyTransactionFailed
	if tx.Status == TransactionSuccess {
		key = RoutingKeyTransactionSucceeded
	}
	return &TransactionSettled{
		BaseEvent:         sharedDomain.NewBaseEventAt(tx.Reference, aggregateTransaction, key, now),
		Reference:         tx.Reference,
		UserID:            tx.UserID,
		Provider:          tx.Provider,
		ProviderReference: tx.ProviderReference,
		Amount:            tx.Amount.StringFixed(2),
		Currency:          tx.Currency,
		Status:            string(tx.Status),
		PlanID:            tx.PlanID(),
	}
}

// SubscriptionActivated is raised when a paid period starts or is extended.
type SubscriptionActivated struct {
	sharedDomain.BaseEvent
	UserID      string    `json:"user_id"`
	PlanID      string    `json:"plan_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Reference   string    `json:"reference,omitempty"`
}

func NewSubscriptionActivated(s *Subscription, now time.Time) *SubscriptionActivated {
	return &SubscriptionActivated{
		BaseEvent:   sharedDomain.NewBaseEventAt(s.UserID, aggregateSubscription, RoutingKeySubscriptionActivated, now),
		UserID:      s.UserID,
		PlanID:      s.PlanID,
		PeriodStart: s.PeriodStart,
		PeriodEnd:   s.PeriodEnd,
		Reference:   s.TransactionReference,
	}
}

// SubscriptionCancelledEvent is raised when the user stops renewal.
type SubscriptionCancelledEvent struct {
	sharedDomain.BaseEvent
	UserID      string    `json:"user_id"`
	PlanID      string    `json:"plan_id"`
	EffectiveAt time.Time `json:"effective_at"`
}

func NewSubscriptionCancelled(s *Subscription, now time.Time) *SubscriptionCancelledEvent {
	return &SubscriptionCancelledEvent{
		BaseEvent:   sharedDomain.NewBaseEventAt(s.UserID, aggregateSubscription, RoutingKeySubscriptionCancelled, now),
		UserID:      s.UserID,
		PlanID:      s.PlanID,
		EffectiveAt: s.PeriodEnd,
	}
}

// SubscriptionExpiredEvent is raised when lazy expiry ends a period.
type SubscriptionExpiredEvent struct {
	sharedDomain.BaseEvent
	UserID    string    `json:"user_id"`
	PlanID    string    `json:"plan_id"`
	Status    string    `json:"status"`
	PeriodEnd time.Time `json:"period_end"`
}

func NewSubscriptionExpired(s *Subscription, now time.Time) *SubscriptionExpiredEvent {
	return &SubscriptionExpiredEvent{
		BaseEvent: sharedDomain.NewBaseEventAt(s.UserID, aggregateSubscription, RoutingKeySubscriptionExpired, now),
		UserID:    s.UserID,
		PlanID:    s.PlanID,
		Status:    string(s.Status),
		PeriodEnd: s.PeriodEnd,
	}
}

// UsageRecorded is raised for every usage entry.
type UsageRecorded struct {
	sharedDomain.BaseEvent
	UserID     string    `json:"user_id"`
	Feature    string    `json:"feature"`
	Count      int       `json:"count"`
	RecordedAt time.Time `json:"recorded_at"`
}

func NewUsageRecorded(r *UsageRecord) *UsageRecorded {
	return &UsageRecorded{
		BaseEvent:  sharedDomain.NewBaseEventAt(r.UserID, aggregateUsage, RoutingKeyUsageRecorded, r.RecordedAt),
		UserID:     r.UserID,
		Feature:    string(r.Feature),
		Count:      r.Count,
		RecordedAt: r.RecordedAt,
	}
}
