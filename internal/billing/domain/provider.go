package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider names.
const (
	ProviderPaystack = "paystack"
	ProviderMPesa    = "mpesa"
	ProviderStripe   = "stripe"
)

// Headers is the read side of http.Header.
type Headers interface {
	Get(key string) string
}

// PaymentOutcome is what a provider reports about a payment.
type PaymentOutcome string

const (
	OutcomeSuccess PaymentOutcome = "success"
	OutcomeFailed  PaymentOutcome = "failed"
	OutcomePending PaymentOutcome = "pending"
)

// TransactionStatus maps a terminal outcome onto the ledger.
func (o PaymentOutcome) TransactionStatus() (TransactionStatus, bool) {
	switch o {
	case OutcomeSuccess:
		return TransactionSuccess, true
	case OutcomeFailed:
		return TransactionFailed, true
	default:
		return TransactionPending, false
	}
}

// InitializeRequest asks a provider to start collecting a payment.
type InitializeRequest struct {
	Reference   string
	Email       string
	Amount      decimal.Decimal
	Currency    string
	Phone       string
	CallbackURL string
	Metadata    map[string]string
}

// InitializeResult is what the customer needs to complete the payment.
type InitializeResult struct {
	AuthorizationURL  string
	AccessCode        string
	ProviderReference string
	Instructions      string
}

// PaymentRef identifies a payment on both sides. Gateways that key
// payments by their own ID (M-Pesa, Stripe) use ProviderReference.
type PaymentRef struct {
	Reference         string
	ProviderReference string
}

// VerifyResult is the provider's view of a payment.
type VerifyResult struct {
	Outcome           PaymentOutcome
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	PaidAt            *time.Time
}

// WebhookNotification is a signature-checked provider callback. An empty
// Outcome means the event type is not one we act on.
type WebhookNotification struct {
	EventType         string
	Reference         string
	ProviderReference string
	Outcome           PaymentOutcome
}

// Actionable reports whether the notification settles a payment.
func (n *WebhookNotification) Actionable() bool {
	_, ok := n.Outcome.TransactionStatus()
	return ok
}

// ProviderInfo describes a provider for discovery endpoints.
type ProviderInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Currencies  []string `json:"currencies"`
	Regions     []string `json:"regions"`
	Features    []string `json:"features"`
	Description string   `json:"description"`
}

// Provider is a payment gateway adapter.
type Provider interface {
	Name() string
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, ref PaymentRef) (*VerifyResult, error)
	SupportedCurrencies() []string
	Describe() ProviderInfo
	// ParseWebhook checks the signature over rawBody before decoding it.
	ParseWebhook(headers Headers, rawBody []byte) (*WebhookNotification, error)
}
