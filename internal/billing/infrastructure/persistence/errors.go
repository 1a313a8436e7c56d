package persistence

import (
	"fmt"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
)

// mapError translates driver errors the application reacts to. A missing
// billing table surfaces as ErrSchemaUnavailable so callers can degrade.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case sharedPersistence.IsUndefinedTable(err):
		return fmt.Errorf("%w: %v", domain.ErrSchemaUnavailable, err)
	case sharedPersistence.IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", domain.ErrIdempotencyConflict, err)
	default:
		return err
	}
}

// settledConflict decides the result of a conditional status update that
// matched no pending row.
func settledConflict(current, to domain.TransactionStatus) (bool, error) {
	if current == to {
		return false, nil
	}
	return false, fmt.Errorf("%w: status is %s, requested %s", domain.ErrIdempotencyConflict, current, to)
}
