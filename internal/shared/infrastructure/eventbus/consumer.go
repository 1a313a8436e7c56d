package eventbus

import (
	"context"
	"encoding/json"
)

// EventConsumer handles specific event types.
type EventConsumer interface {
	// EventTypes returns the routing keys this consumer handles,
	// e.g. ["billing.subscription.activated"].
	EventTypes() []string

	// Handle processes the event.
	Handle(ctx context.Context, event *ConsumedEvent) error
}

// ConsumedEvent is an event delivered to a consumer.
type ConsumedEvent struct {
	RoutingKey string
	Payload    json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e *ConsumedEvent) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
