package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/tollgate/internal/shared/domain"
	"github.com/google/uuid"
)

// SubscriptionStatus represents the current billing state.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription is the single subscription row a user owns.
type Subscription struct {
	sharedDomain.EventRecorder

	ID                   uuid.UUID
	UserID               string
	PlanID               string
	Status               SubscriptionStatus
	PeriodStart          time.Time
	PeriodEnd            time.Time
	CancelAtPeriodEnd    bool
	TransactionReference string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewSubscription starts a first period for userID.
func NewSubscription(userID string, plan Plan, reference string, now time.Time) *Subscription {
	s := &Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: now.UTC(),
	}
	s.Renew(plan, reference, now)
	return s
}

// IsActive reports whether the subscription currently grants its plan. The
// last instant of a period still counts; it lapses once now is past PeriodEnd.
func (s *Subscription) IsActive(now time.Time) bool {
	return s.Status == SubscriptionActive && !now.After(s.PeriodEnd)
}

// Renew applies a paid period. An active subscription is extended from its
// current end; anything else restarts at now.
func (s *Subscription) Renew(plan Plan, reference string, now time.Time) {
	now = now.UTC()
	if s.IsActive(now) {
		s.PeriodEnd = s.PeriodEnd.Add(plan.Duration())
	} else {
		s.PeriodStart = now
		s.PeriodEnd = now.Add(plan.Duration())
	}
	s.PlanID = plan.ID
	s.Status = SubscriptionActive
	s.CancelAtPeriodEnd = false
	s.TransactionReference = reference
	s.UpdatedAt = now

	s.AddDomainEvent(NewSubscriptionActivated(s, now))
}

// Cancel stops renewal at the end of the current period.
func (s *Subscription) Cancel(now time.Time) error {
	if !s.IsActive(now) {
		return ErrNoActiveSubscription
	}
	if s.CancelAtPeriodEnd {
		return nil
	}
	s.CancelAtPeriodEnd = true
	s.UpdatedAt = now.UTC()
	s.AddDomainEvent(NewSubscriptionCancelled(s, now))
	return nil
}

// ExpireIfDue ends an active subscription whose period is over. It returns
// true when the status changed.
func (s *Subscription) ExpireIfDue(now time.Time) bool {
	if s.Status != SubscriptionActive || !now.After(s.PeriodEnd) {
		return false
	}
	if s.CancelAtPeriodEnd {
		s.Status = SubscriptionCancelled
	} else {
		s.Status = SubscriptionExpired
	}
	s.UpdatedAt = now.UTC()
	s.AddDomainEvent(NewSubscriptionExpired(s, now))
	return true
}
