package providers

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

const (
	stripeDefaultBaseURL  = "https://api.stripe.com"
	stripeSignatureHeader = "Stripe-Signature"
	stripeTolerance       = 5 * time.Minute
)

var stripeCurrencies = []string{"USD", "EUR", "GBP", "CAD", "AUD", "JPY", "CHF", "SEK", "NOK", "DKK"}

// Stripe creates and inspects PaymentIntents.
type Stripe struct {
	apiKey        string
	webhookSecret string
	gateway       *Gateway
	now           func() time.Time
}

// NewStripe creates a Stripe adapter.
func NewStripe(apiKey, webhookSecret, baseURL string, cfg GatewayConfig, logger *slog.Logger, metrics observability.Metrics) *Stripe {
	if baseURL == "" {
		baseURL = stripeDefaultBaseURL
	}
	return &Stripe{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		gateway:       NewGateway(domain.ProviderStripe, baseURL, nil, cfg, logger, metrics),
		now:           time.Now,
	}
}

func (s *Stripe) Name() string { return domain.ProviderStripe }

func (s *Stripe) SupportedCurrencies() []string {
	return append([]string(nil), stripeCurrencies...)
}

func (s *Stripe) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.ProviderStripe,
		DisplayName: "Stripe",
		Currencies:  s.SupportedCurrencies(),
		Regions:     []string{"Global"},
		Features:    []string{"Card Payments", "Digital Wallets", "Bank Transfers", "Buy Now Pay Later"},
		Description: "Global payment processing",
	}
}

type paymentIntent struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	ClientSecret string            `json:"client_secret"`
	Created      int64             `json:"created"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Stripe) Initialize(ctx context.Context, req domain.InitializeRequest) (*domain.InitializeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(domain.MinorUnits(req.Amount, req.Currency), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("receipt_email", req.Email)
	form.Set("metadata[reference]", req.Reference)
	form.Set("metadata[email]", req.Email)
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var pi paymentIntent
	if err := s.call(ctx, gatewayRequest{
		operation:   "initialize",
		method:      http.MethodPost,
		path:        "/v1/payment_intents",
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		header:      http.Header{"Idempotency-Key": {req.Reference}},
	}, &pi); err != nil {
		return nil, err
	}

	return &domain.InitializeResult{
		AccessCode:        pi.ClientSecret,
		ProviderReference: pi.ID,
	}, nil
}

// Verify reads the PaymentIntent. Intents are keyed by Stripe's own ID.
func (s *Stripe) Verify(ctx context.Context, ref domain.PaymentRef) (*domain.VerifyResult, error) {
	if ref.ProviderReference == "" {
		return &domain.VerifyResult{Outcome: domain.OutcomePending}, nil
	}

	var pi paymentIntent
	if err := s.call(ctx, gatewayRequest{
		operation: "verify",
		method:    http.MethodGet,
		path:      "/v1/payment_intents/" + url.PathEscape(ref.ProviderReference),
	}, &pi); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(pi.Currency)
	result := &domain.VerifyResult{
		Outcome:           stripeOutcome(pi.Status),
		ProviderReference: pi.ID,
		Amount:            domain.FromMinorUnits(pi.Amount, currency),
		Currency:          currency,
	}
	if result.Outcome == domain.OutcomeSuccess && pi.Created > 0 {
		paid := time.Unix(pi.Created, 0).UTC()
		result.PaidAt = &paid
	}
	return result, nil
}

func (s *Stripe) call(ctx context.Context, req gatewayRequest, out any) error {
	if req.header == nil {
		req.header = http.Header{}
	}
	req.header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.gateway.do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return s.gateway.decodeError(req.operation, err)
	}
	return nil
}

func stripeOutcome(status string) domain.PaymentOutcome {
	switch status {
	case "succeeded":
		return domain.OutcomeSuccess
	case "canceled":
		return domain.OutcomeFailed
	default:
		return domain.OutcomePending
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object paymentIntent `json:"object"`
	} `json:"data"`
}

func (s *Stripe) ParseWebhook(headers domain.Headers, rawBody []byte) (*domain.WebhookNotification, error) {
	if !s.validStripeSignature(headers.Get(stripeSignatureHeader), rawBody) {
		return nil, domain.ErrSignatureInvalid
	}

	var event stripeEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}

	pi := event.Data.Object
	n := &domain.WebhookNotification{
		EventType:         event.Type,
		Reference:         pi.Metadata["reference"],
		ProviderReference: pi.ID,
	}
	// A declined attempt leaves the intent in requires_payment_method and the
	// customer may retry it, so only cancellation settles a payment as failed.
	switch event.Type {
	case "payment_intent.succeeded":
		n.Outcome = domain.OutcomeSuccess
	case "payment_intent.canceled":
		n.Outcome = domain.OutcomeFailed
	case "payment_intent.payment_failed":
		n.Outcome = domain.OutcomePending
	}
	return n, nil
}

// validStripeSignature checks a "t=<unix>,v1=<hex>" header. Any v1 entry may
// match, and timestamps outside the tolerance are rejected.
func (s *Stripe) validStripeSignature(header string, body []byte) bool {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := s.now().Sub(time.Unix(unix, 0))
	if age > stripeTolerance || age < -stripeTolerance {
		return false
	}

	payload := make([]byte, 0, len(ts)+1+len(body))
	payload = append(payload, ts...)
	payload = append(payload, '.')
	payload = append(payload, body...)
	for _, sig := range sigs {
		if validSignature(sha256.New, s.webhookSecret, payload, sig) {
			return true
		}
	}
	return false
}
