package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/shopspring/decimal"
)

// InitializeCommand starts a payment for a paid plan.
type InitializeCommand struct {
	UserID   string
	Email    string
	Amount   decimal.Decimal
	Currency string
	PlanID   string
	Provider string // optional preferred provider
	Phone    string // M-Pesa only
}

// InitializeResult is returned to the client after a payment is opened.
type InitializeResult struct {
	Transaction      *domain.Transaction
	AuthorizationURL string
	AccessCode       string
	Instructions     string
}

// PaymentService opens payments and lists the ledger.
type PaymentService struct {
	txs         domain.TransactionRepository
	registry    *ProviderRegistry
	catalog     *PlanCatalog
	callbackURL string
	logger      *slog.Logger
	metrics     observability.Metrics
	now         func() time.Time
}

// NewPaymentService creates a payment service.
func NewPaymentService(txs domain.TransactionRepository, registry *ProviderRegistry, catalog *PlanCatalog, callbackURL string, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		txs:         txs,
		registry:    registry,
		catalog:     catalog,
		callbackURL: callbackURL,
		logger:      logger,
		metrics:     observability.NoopMetrics{},
		now:         time.Now,
	}
}

// WithMetrics sets the metrics sink.
func (s *PaymentService) WithMetrics(m observability.Metrics) *PaymentService {
	if m != nil {
		s.metrics = m
	}
	return s
}

// WithClock replaces the time source.
func (s *PaymentService) WithClock(now func() time.Time) *PaymentService {
	s.now = now
	return s
}

// Initialize records a pending transaction and opens it with a provider.
// When the gateway refuses, the transaction is marked failed.
func (s *PaymentService) Initialize(ctx context.Context, cmd InitializeCommand) (*InitializeResult, error) {
	plan, err := s.catalog.Get(cmd.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsPaid() || !plan.Active {
		return nil, fmt.Errorf("%w: plan %q cannot be purchased", domain.ErrInvalidRequest, plan.ID)
	}
	currency, err := domain.NormalizeCurrency(cmd.Currency)
	if err != nil {
		return nil, err
	}

	provider, err := s.registry.SelectForCurrency(currency, strings.ToLower(cmd.Provider))
	if err != nil {
		return nil, err
	}

	tx, err := domain.NewTransaction(cmd.UserID, cmd.Email, provider.Name(), cmd.Amount, currency,
		map[string]string{domain.MetadataPlanID: plan.ID}, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, err
	}

	res, err := provider.Initialize(ctx, domain.InitializeRequest{
		Reference:   tx.Reference,
		Email:       tx.Email,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Phone:       cmd.Phone,
		CallbackURL: s.callbackURL,
		Metadata:    tx.Metadata,
	})
	if err != nil {
		s.abandon(ctx, tx, err)
		if errors.Is(err, domain.ErrGateway) || domain.IsValidation(err) {
			return nil, err
		}
		return nil, &domain.GatewayError{Provider: provider.Name(), Operation: "initialize", Err: err}
	}

	if res.ProviderReference != "" {
		if err := s.txs.SetProviderReference(ctx, tx.Reference, res.ProviderReference); err != nil {
			return nil, err
		}
		tx.ProviderReference = res.ProviderReference
	}

	s.metrics.Counter(observability.MetricPaymentsInitialized, 1,
		observability.T("provider", provider.Name()),
		observability.T("currency", currency),
	)
	s.logger.InfoContext(ctx, "payment initialized",
		observability.ReferenceKey, tx.Reference,
		observability.ProviderKey, provider.Name(),
		"plan_id", plan.ID,
		"amount", tx.Amount.String(),
		"currency", currency,
	)

	return &InitializeResult{
		Transaction:      tx,
		AuthorizationURL: res.AuthorizationURL,
		AccessCode:       res.AccessCode,
		Instructions:     res.Instructions,
	}, nil
}

func (s *PaymentService) abandon(ctx context.Context, tx *domain.Transaction, cause error) {
	s.logger.WarnContext(ctx, "provider refused payment",
		observability.ReferenceKey, tx.Reference,
		observability.ProviderKey, tx.Provider,
		"error", cause,
	)
	if _, err := s.txs.UpdateStatus(ctx, tx.Reference, domain.TransactionFailed, ""); err != nil {
		s.logger.WarnContext(ctx, "failed to mark abandoned transaction",
			observability.ReferenceKey, tx.Reference,
			"error", err,
		)
		return
	}
	tx.Status = domain.TransactionFailed
}

// Transaction returns one of the user's transactions.
func (s *PaymentService) Transaction(ctx context.Context, userID, reference string) (*domain.Transaction, error) {
	tx, err := s.txs.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if userID != "" && tx.UserID != userID {
		return nil, domain.ErrTransactionNotFound
	}
	return tx, nil
}

// ListTransactions returns the user's most recent transactions.
func (s *PaymentService) ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.txs.ListByUser(ctx, userID, limit)
}

// Providers lists configured gateways in priority order.
func (s *PaymentService) Providers() []domain.ProviderInfo {
	return s.registry.Describe()
}

// Plans lists the plans on sale.
func (s *PaymentService) Plans() []domain.Plan {
	return s.catalog.List()
}
