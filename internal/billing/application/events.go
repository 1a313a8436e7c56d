package application

import (
	"context"

	sharedApplication "github.com/felixgeelhaar/tollgate/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/tollgate/internal/shared/domain"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
)

// saveEvents stamps events with request metadata and appends them to the
// outbox inside the caller's unit of work.
func saveEvents(ctx context.Context, repo outbox.Repository, userID string, events []sharedDomain.DomainEvent) error {
	if repo == nil || len(events) == 0 {
		return nil
	}
	sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(ctx, userID))

	msgs, err := outbox.NewMessages(events)
	if err != nil {
		return err
	}
	return repo.SaveBatch(ctx, msgs)
}
