package providers

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

const (
	paystackDefaultBaseURL  = "https://api.paystack.co"
	paystackSignatureHeader = "X-Paystack-Signature"
)

var paystackCurrencies = []string{"NGN", "USD", "GHS", "ZAR", "KES", "UGX", "TZS", "XOF", "XAF", "EGP"}

var paystackChannels = map[string][]string{
	"KES": {"card", "bank", "ussd", "mobile_money", "qr"},
	"NGN": {"card", "bank", "ussd", "qr"},
	"GHS": {"card", "bank", "mobile_money"},
	"ZAR": {"card", "bank"},
	"UGX": {"card", "bank", "mobile_money"},
	"TZS": {"card", "bank", "mobile_money"},
}

// Paystack talks to the Paystack transaction API.
type Paystack struct {
	secretKey string
	gateway   *Gateway
}

// NewPaystack creates a Paystack adapter. The secret key authenticates API
// calls and signs webhooks.
func NewPaystack(secretKey, baseURL string, cfg GatewayConfig, logger *slog.Logger, metrics observability.Metrics) *Paystack {
	if baseURL == "" {
		baseURL = paystackDefaultBaseURL
	}
	return &Paystack{
		secretKey: secretKey,
		gateway:   NewGateway(domain.ProviderPaystack, baseURL, nil, cfg, logger, metrics),
	}
}

func (p *Paystack) Name() string { return domain.ProviderPaystack }

func (p *Paystack) SupportedCurrencies() []string {
	return append([]string(nil), paystackCurrencies...)
}

func (p *Paystack) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.ProviderPaystack,
		DisplayName: "Paystack",
		Currencies:  p.SupportedCurrencies(),
		Regions: []string{
			"Nigeria", "Ghana", "South Africa", "Kenya", "Uganda",
			"Tanzania", "West Africa", "Central Africa", "Egypt",
		},
		Features:    []string{"Card Payments", "Bank Transfers", "Mobile Money (M-Pesa)", "USSD", "QR Payments"},
		Description: "Unified payment platform with M-Pesa and mobile money support",
	}
}

// channelsFor lists the payment channels offered for currency.
func channelsFor(currency string) []string {
	if ch, ok := paystackChannels[currency]; ok {
		return ch
	}
	return []string{"card", "bank"}
}

type paystackInitRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Channels    []string          `json:"channels"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackTransaction struct {
	Status    string     `json:"status"`
	Reference string     `json:"reference"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	PaidAt    *time.Time `json:"paid_at"`
}

func (p *Paystack) Initialize(ctx context.Context, req domain.InitializeRequest) (*domain.InitializeResult, error) {
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Phone != "" {
		metadata["phone"] = req.Phone
	}

	body, err := json.Marshal(paystackInitRequest{
		Email:       req.Email,
		Amount:      domain.MinorUnits(req.Amount, req.Currency),
		Currency:    req.Currency,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Channels:    channelsFor(req.Currency),
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}

	var data paystackInitData
	if err := p.call(ctx, gatewayRequest{
		operation:   "initialize",
		method:      http.MethodPost,
		path:        "/transaction/initialize",
		body:        body,
		contentType: "application/json",
	}, &data); err != nil {
		return nil, err
	}

	return &domain.InitializeResult{
		AuthorizationURL:  data.AuthorizationURL,
		AccessCode:        data.AccessCode,
		ProviderReference: data.Reference,
	}, nil
}

func (p *Paystack) Verify(ctx context.Context, ref domain.PaymentRef) (*domain.VerifyResult, error) {
	var data paystackTransaction
	if err := p.call(ctx, gatewayRequest{
		operation: "verify",
		method:    http.MethodGet,
		path:      "/transaction/verify/" + url.PathEscape(ref.Reference),
	}, &data); err != nil {
		return nil, err
	}

	return &domain.VerifyResult{
		Outcome:           paystackOutcome(data.Status),
		ProviderReference: data.Reference,
		Amount:            domain.FromMinorUnits(data.Amount, data.Currency),
		Currency:          data.Currency,
		PaidAt:            data.PaidAt,
	}, nil
}

func (p *Paystack) call(ctx context.Context, req gatewayRequest, out any) error {
	req.header = http.Header{"Authorization": {"Bearer " + p.secretKey}}
	resp, err := p.gateway.do(ctx, req)
	if err != nil {
		return err
	}

	var env paystackEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return p.gateway.decodeError(req.operation, err)
	}
	if !env.Status {
		return &domain.GatewayError{
			Provider:   domain.ProviderPaystack,
			Operation:  req.operation,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("rejected: %s", env.Message),
		}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return p.gateway.decodeError(req.operation, err)
	}
	return nil
}

// paystackOutcome maps a Paystack transaction status. A fresh transaction
// reports "abandoned" until the customer acts, so it stays pending.
func paystackOutcome(status string) domain.PaymentOutcome {
	switch status {
	case "success":
		return domain.OutcomeSuccess
	case "failed", "reversed":
		return domain.OutcomeFailed
	default:
		return domain.OutcomePending
	}
}

type paystackWebhook struct {
	Event string              `json:"event"`
	Data  paystackTransaction `json:"data"`
}

func (p *Paystack) ParseWebhook(headers domain.Headers, rawBody []byte) (*domain.WebhookNotification, error) {
	if !validSignature(sha512.New, p.secretKey, rawBody, headers.Get(paystackSignatureHeader)) {
		return nil, domain.ErrSignatureInvalid
	}

	var payload paystackWebhook
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decode paystack webhook: %w", err)
	}

	n := &domain.WebhookNotification{
		EventType: payload.Event,
		Reference: payload.Data.Reference,
	}
	switch payload.Event {
	case "charge.success":
		n.Outcome = domain.OutcomeSuccess
	case "charge.failed":
		n.Outcome = domain.OutcomeFailed
	}
	return n, nil
}
