package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the ledger state of a payment.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionSuccess || s == TransactionFailed
}

// Metadata keys stored on a transaction.
const (
	MetadataPlanID   = "plan_id"
	MetadataProvider = "provider"
)

// Transaction is one payment attempt. Reference is the idempotency key.
type Transaction struct {
	ID                uuid.UUID
	Reference         string
	UserID            string
	Email             string
	Provider          string
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	Status            TransactionStatus
	Metadata          map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewTransaction validates input and creates a pending transaction.
func NewTransaction(userID, email, provider string, amount decimal.Decimal, currency string, metadata map[string]string, now time.Time) (*Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidRequest, email)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	currency, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md[MetadataProvider] = provider

	return &Transaction{
		ID:        uuid.New(),
		Reference: NewReference(userID),
		UserID:    userID,
		Email:     email,
		Provider:  provider,
		Amount:    amount,
		Currency:  currency,
		Status:    TransactionPending,
		Metadata:  md,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}, nil
}

// NewReference builds a reference of the form ML_{userID}_{8 hex}.
func NewReference(userID string) string {
	id := uuid.New()
	return fmt.Sprintf("ML_%s_%x", userID, id[:4])
}

// PlanID returns the plan the transaction pays for.
func (t *Transaction) PlanID() string {
	return t.Metadata[MetadataPlanID]
}
