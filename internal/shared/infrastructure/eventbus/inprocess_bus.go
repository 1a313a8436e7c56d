package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// InProcessEventBus delivers events synchronously to registered consumers.
// It stands in for RabbitMQ in local mode.
type InProcessEventBus struct {
	mu        sync.RWMutex
	consumers map[string][]EventConsumer
	logger    *slog.Logger
}

// NewInProcessEventBus creates a new in-process event bus.
func NewInProcessEventBus(logger *slog.Logger) *InProcessEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessEventBus{
		consumers: make(map[string][]EventConsumer),
		logger:    logger,
	}
}

// RegisterConsumer adds a consumer for each of its declared event types.
func (b *InProcessEventBus) RegisterConsumer(consumer EventConsumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, eventType := range consumer.EventTypes() {
		b.consumers[eventType] = append(b.consumers[eventType], consumer)
		b.logger.Debug("registered consumer for event type", "event_type", eventType)
	}
}

// ConsumerCount returns the number of registrations across all event types.
func (b *InProcessEventBus) ConsumerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, consumers := range b.consumers {
		count += len(consumers)
	}
	return count
}

// Publish dispatches the payload to every consumer of routingKey. Consumer
// failures are logged and do not fail the publish.
func (b *InProcessEventBus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	b.mu.RLock()
	consumers := b.consumers[routingKey]
	b.mu.RUnlock()

	if len(consumers) == 0 {
		b.logger.Debug("no consumers for event type", "routing_key", routingKey)
		return nil
	}

	event := &ConsumedEvent{RoutingKey: routingKey, Payload: payload}
	start := time.Now()
	for _, consumer := range consumers {
		if err := consumer.Handle(ctx, event); err != nil {
			b.logger.Error("consumer failed to handle event",
				"routing_key", routingKey,
				"error", err,
			)
		}
	}

	b.logger.Debug("event dispatched",
		"routing_key", routingKey,
		"consumers", len(consumers),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close is a no-op for the in-process bus.
func (b *InProcessEventBus) Close() error {
	return nil
}

var (
	_ Publisher = (*InProcessEventBus)(nil)
	_ Publisher = (*NoopPublisher)(nil)
	_ Publisher = (*RabbitMQPublisher)(nil)
)
