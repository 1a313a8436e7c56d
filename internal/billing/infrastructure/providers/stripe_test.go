package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripe_Initialize(t *testing.T) {
	var form url.Values
	var idempotencyKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_stripe", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		idempotencyKey = r.Header.Get("Idempotency-Key")
		_, _ = w.Write([]byte(`{"id":"pi_1","status":"requires_payment_method","client_secret":"pi_1_secret","amount":250,"currency":"usd"}`))
	}))
	defer server.Close()

	s := NewStripe("sk_stripe", "whsec", server.URL, testGatewayConfig(), nil, nil)
	res, err := s.Initialize(context.Background(), domain.InitializeRequest{
		Reference: "ML_abc123",
		Email:     "a@example.com",
		Amount:    decimal.RequireFromString("2.50"),
		Currency:  "USD",
		Metadata:  map[string]string{"plan_id": "weekly"},
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_1", res.ProviderReference)
	assert.Equal(t, "pi_1_secret", res.AccessCode)
	assert.Equal(t, "250", form.Get("amount"))
	assert.Equal(t, "usd", form.Get("currency"))
	assert.Equal(t, "ML_abc123", form.Get("metadata[reference]"))
	assert.Equal(t, "weekly", form.Get("metadata[plan_id]"))
	assert.Equal(t, "a@example.com", form.Get("receipt_email"))
	assert.Equal(t, "ML_abc123", idempotencyKey)
}

func TestStripe_InitializeZeroDecimalCurrency(t *testing.T) {
	var amount string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		amount = r.PostForm.Get("amount")
		_, _ = w.Write([]byte(`{"id":"pi_2"}`))
	}))
	defer server.Close()

	s := NewStripe("sk_stripe", "whsec", server.URL, testGatewayConfig(), nil, nil)
	_, err := s.Initialize(context.Background(), domain.InitializeRequest{
		Reference: "r", Email: "a@example.com", Amount: decimal.NewFromInt(500), Currency: "JPY",
	})
	require.NoError(t, err)
	assert.Equal(t, "500", amount)
}

func TestStripe_Verify(t *testing.T) {
	tests := map[string]domain.PaymentOutcome{
		"succeeded":               domain.OutcomeSuccess,
		"canceled":                domain.OutcomeFailed,
		"processing":              domain.OutcomePending,
		"requires_payment_method": domain.OutcomePending,
	}
	for status, want := range tests {
		t.Run(status, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
				_, _ = w.Write([]byte(`{"id":"pi_1","status":"` + status + `","amount":250,"currency":"usd","created":1772442000}`))
			}))
			defer server.Close()

			s := NewStripe("sk_stripe", "whsec", server.URL, testGatewayConfig(), nil, nil)
			res, err := s.Verify(context.Background(), domain.PaymentRef{Reference: "ML_abc123", ProviderReference: "pi_1"})
			require.NoError(t, err)
			assert.Equal(t, want, res.Outcome)
			assert.Equal(t, "USD", res.Currency)
			assert.True(t, decimal.RequireFromString("2.5").Equal(res.Amount))
		})
	}
}

func TestStripe_ParseWebhook(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewStripe("sk_stripe", "whsec", "", testGatewayConfig(), nil, nil)
	s.now = func() time.Time { return now }

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","status":"succeeded","metadata":{"reference":"ML_abc123"}}}}`)
	headers, err := SignedHeaders(domain.ProviderStripe, "whsec", body, now)
	require.NoError(t, err)

	n, err := s.ParseWebhook(headers, body)
	require.NoError(t, err)
	assert.Equal(t, "payment_intent.succeeded", n.EventType)
	assert.Equal(t, "ML_abc123", n.Reference)
	assert.Equal(t, "pi_1", n.ProviderReference)
	assert.Equal(t, domain.OutcomeSuccess, n.Outcome)

	canceled := []byte(`{"type":"payment_intent.canceled","data":{"object":{"id":"pi_1","status":"canceled","metadata":{"reference":"ML_abc123"}}}}`)
	headers, _ = SignedHeaders(domain.ProviderStripe, "whsec", canceled, now)
	n, err = s.ParseWebhook(headers, canceled)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, n.Outcome)
}

func TestStripe_ParseWebhookDeclineIsNotFinal(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewStripe("sk_stripe", "whsec", "", testGatewayConfig(), nil, nil)
	s.now = func() time.Time { return now }

	declined := []byte(`{"type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","status":"requires_payment_method","metadata":{"reference":"ML_abc123"}}}}`)
	headers, err := SignedHeaders(domain.ProviderStripe, "whsec", declined, now)
	require.NoError(t, err)

	n, err := s.ParseWebhook(headers, declined)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePending, n.Outcome)
	assert.False(t, n.Actionable())
}

func TestStripe_ParseWebhookRejects(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewStripe("sk_stripe", "whsec", "", testGatewayConfig(), nil, nil)
	s.now = func() time.Time { return now }
	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	wrongSecret, _ := SignedHeaders(domain.ProviderStripe, "other", body, now)
	stale, _ := SignedHeaders(domain.ProviderStripe, "whsec", body, now.Add(-time.Hour))

	tests := map[string]http.Header{
		"wrong secret": wrongSecret,
		"stale":        stale,
		"missing":      {},
		"malformed":    {"Stripe-Signature": {"v1=abc"}},
	}
	for name, headers := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.ParseWebhook(headers, body)
			assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
		})
	}
}

func TestSignedHeaders_UnknownProvider(t *testing.T) {
	_, err := SignedHeaders("paypal", "s", nil, time.Now())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}
