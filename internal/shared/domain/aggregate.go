package domain

// EventRecorder collects domain events raised by an aggregate until they are
// handed to the outbox.
type EventRecorder struct {
	domainEvents []DomainEvent
}

// DomainEvents returns all uncommitted domain events.
func (r *EventRecorder) DomainEvents() []DomainEvent {
	return r.domainEvents
}

// ClearDomainEvents removes all uncommitted domain events.
func (r *EventRecorder) ClearDomainEvents() {
	r.domainEvents = nil
}

// AddDomainEvent records a domain event.
func (r *EventRecorder) AddDomainEvent(event DomainEvent) {
	r.domainEvents = append(r.domainEvents, event)
}

// PullDomainEvents returns the recorded events and clears them.
func (r *EventRecorder) PullDomainEvents() []DomainEvent {
	events := r.domainEvents
	r.domainEvents = nil
	return events
}
