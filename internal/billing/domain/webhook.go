package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Webhook outcomes stored on the event log.
const (
	WebhookOutcomeSuccess  = "success"
	WebhookOutcomeIgnored  = "ignored"
	WebhookOutcomeConflict = "conflict"
	WebhookOutcomeError    = "error"
)

// WebhookEvent is a verified provider notification kept for audit and replay.
type WebhookEvent struct {
	ID          uuid.UUID
	Provider    string
	EventType   string
	Reference   string
	Payload     json.RawMessage
	Processed   bool
	Outcome     string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// NewWebhookEvent records a notification as received.
func NewWebhookEvent(provider string, n *WebhookNotification, payload []byte, now time.Time) *WebhookEvent {
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(payload))
	}
	return &WebhookEvent{
		ID:         uuid.New(),
		Provider:   provider,
		EventType:  n.EventType,
		Reference:  n.Reference,
		Payload:    payload,
		ReceivedAt: now.UTC(),
	}
}
