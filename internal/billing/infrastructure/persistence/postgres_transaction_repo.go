package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const selectTransactionColumns = `
	SELECT id, reference, user_id, email, provider, provider_reference,
	       amount::text, currency, status, metadata, created_at, updated_at
	FROM payment_transactions
`

// PostgresTransactionRepository implements domain.TransactionRepository.
type PostgresTransactionRepository struct {
	pool sharedPersistence.Pool
}

// NewPostgresTransactionRepository creates a new repository.
func NewPostgresTransactionRepository(pool sharedPersistence.Pool) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{pool: pool}
}

// Create inserts a pending transaction.
func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return err
	}

	_, err = sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO payment_transactions (
			id, reference, user_id, email, provider, provider_reference,
			amount, currency, status, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12)
	`,
		tx.ID,
		tx.Reference,
		tx.UserID,
		tx.Email,
		tx.Provider,
		tx.ProviderReference,
		tx.Amount.String(),
		tx.Currency,
		string(tx.Status),
		metadata,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	return mapError(err)
}

// UpdateStatus only ever moves a row out of pending. The WHERE clause makes
// concurrent reconcilers race safely: exactly one of them changes the row.
func (r *PostgresTransactionRepository) UpdateStatus(ctx context.Context, reference string, to domain.TransactionStatus, providerRef string) (bool, error) {
	exec := sharedPersistence.Executor(ctx, r.pool)

	tag, err := exec.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $2,
		    provider_reference = COALESCE(NULLIF($3, ''), provider_reference),
		    updated_at = NOW()
		WHERE reference = $1 AND status = 'pending'
	`, reference, string(to), providerRef)
	if err != nil {
		return false, mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var current string
	err = exec.QueryRow(ctx, `SELECT status FROM payment_transactions WHERE reference = $1`, reference).Scan(&current)
	if sharedPersistence.IsNoRows(err) {
		return false, domain.ErrTransactionNotFound
	}
	if err != nil {
		return false, mapError(err)
	}
	return settledConflict(domain.TransactionStatus(current), to)
}

// SetProviderReference stores the gateway ID.
func (r *PostgresTransactionRepository) SetProviderReference(ctx context.Context, reference, providerRef string) error {
	tag, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE payment_transactions
		SET provider_reference = $2, updated_at = NOW()
		WHERE reference = $1
	`, reference, providerRef)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// FindByReference returns a transaction by its idempotency key.
func (r *PostgresTransactionRepository) FindByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	row := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, selectTransactionColumns+`WHERE reference = $1`, reference)
	return scanPostgresTransaction(row)
}

// FindByProviderReference looks a transaction up by the gateway's ID.
func (r *PostgresTransactionRepository) FindByProviderReference(ctx context.Context, provider, providerRef string) (*domain.Transaction, error) {
	row := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx,
		selectTransactionColumns+`WHERE provider = $1 AND provider_reference = $2 ORDER BY created_at DESC LIMIT 1`,
		provider, providerRef)
	return scanPostgresTransaction(row)
}

// ListByUser returns the user's newest transactions first.
func (r *PostgresTransactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx,
		selectTransactionColumns+`WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanPostgresTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, mapError(rows.Err())
}

func scanPostgresTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx       domain.Transaction
		amount   string
		status   string
		metadata []byte
	)
	err := row.Scan(
		&tx.ID,
		&tx.Reference,
		&tx.UserID,
		&tx.Email,
		&tx.Provider,
		&tx.ProviderReference,
		&amount,
		&tx.Currency,
		&status,
		&metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if sharedPersistence.IsNoRows(err) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return hydrateTransaction(&tx, amount, status, metadata)
}

func hydrateTransaction(tx *domain.Transaction, amount, status string, metadata []byte) (*domain.Transaction, error) {
	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", tx.Reference, err)
	}
	tx.Status = domain.TransactionStatus(status)
	tx.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("transaction %s metadata: %w", tx.Reference, err)
		}
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

var _ domain.TransactionRepository = (*PostgresTransactionRepository)(nil)
