package persistence

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

const selectSQLiteTransactionColumns = `
	SELECT id, reference, user_id, email, provider, provider_reference,
	       amount, currency, status, metadata, created_at, updated_at
	FROM payment_transactions
`

// SQLiteTransactionRepository implements domain.TransactionRepository for
// local mode.
type SQLiteTransactionRepository struct {
	db *sql.DB
}

// NewSQLiteTransactionRepository creates a new repository.
func NewSQLiteTransactionRepository(db *sql.DB) *SQLiteTransactionRepository {
	return &SQLiteTransactionRepository{db: db}
}

func (r *SQLiteTransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return err
	}

	_, err = sharedPersistence.SQLiteExecutorFor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO payment_transactions (
			id, reference, user_id, email, provider, provider_reference,
			amount, currency, status, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID.String(),
		tx.Reference,
		tx.UserID,
		tx.Email,
		tx.Provider,
		tx.ProviderReference,
		tx.Amount.String(),
		tx.Currency,
		string(tx.Status),
		string(metadata),
		sharedPersistence.FormatSQLiteTime(tx.CreatedAt),
		sharedPersistence.FormatSQLiteTime(tx.UpdatedAt),
	)
	return mapError(err)
}

func (r *SQLiteTransactionRepository) UpdateStatus(ctx context.Context, reference string, to domain.TransactionStatus, providerRef string) (bool, error) {
	exec := sharedPersistence.SQLiteExecutorFor(ctx, r.db)

	res, err := exec.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = ?,
		    provider_reference = COALESCE(NULLIF(?, ''), provider_reference),
		    updated_at = ?
		WHERE reference = ? AND status = 'pending'
	`, string(to), providerRef, sharedPersistence.FormatSQLiteTime(timeNow()), reference)
	if err != nil {
		return false, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var current string
	err = exec.QueryRowContext(ctx, `SELECT status FROM payment_transactions WHERE reference = ?`, reference).Scan(&current)
	if sharedPersistence.IsNoRows(err) {
		return false, domain.ErrTransactionNotFound
	}
	if err != nil {
		return false, mapError(err)
	}
	return settledConflict(domain.TransactionStatus(current), to)
}

func (r *SQLiteTransactionRepository) SetProviderReference(ctx context.Context, reference, providerRef string) error {
	res, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).ExecContext(ctx, `
		UPDATE payment_transactions SET provider_reference = ?, updated_at = ? WHERE reference = ?
	`, providerRef, sharedPersistence.FormatSQLiteTime(timeNow()), reference)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func (r *SQLiteTransactionRepository) FindByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	row := sharedPersistence.SQLiteExecutorFor(ctx, r.db).QueryRowContext(ctx,
		selectSQLiteTransactionColumns+`WHERE reference = ?`, reference)
	return scanSQLiteTransaction(row)
}

func (r *SQLiteTransactionRepository) FindByProviderReference(ctx context.Context, provider, providerRef string) (*domain.Transaction, error) {
	row := sharedPersistence.SQLiteExecutorFor(ctx, r.db).QueryRowContext(ctx,
		selectSQLiteTransactionColumns+`WHERE provider = ? AND provider_reference = ? ORDER BY created_at DESC LIMIT 1`,
		provider, providerRef)
	return scanSQLiteTransaction(row)
}

func (r *SQLiteTransactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	rows, err := sharedPersistence.SQLiteExecutorFor(ctx, r.db).QueryContext(ctx,
		selectSQLiteTransactionColumns+`WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTransaction(row sqliteScanner) (*domain.Transaction, error) {
	var (
		tx                   domain.Transaction
		id, amount, status   string
		metadata             string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&id,
		&tx.Reference,
		&tx.UserID,
		&tx.Email,
		&tx.Provider,
		&tx.ProviderReference,
		&amount,
		&tx.Currency,
		&status,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if sharedPersistence.IsNoRows(err) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}

	if tx.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if tx.CreatedAt, err = sharedPersistence.ParseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = sharedPersistence.ParseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return hydrateTransaction(&tx, amount, status, []byte(metadata))
}

var _ domain.TransactionRepository = (*SQLiteTransactionRepository)(nil)
