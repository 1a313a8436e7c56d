package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	mpesaSignatureHeader = "X-Callback-Signature"
	mpesaTimestampLayout = "20060102150405"
	mpesaCallbackEvent   = "stk_callback"
	mpesaResultSuccess   = "0"
	mpesaProcessingCode  = "500.001.1001"
)

// Daraja expects timestamps in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// MPesaConfig holds Daraja credentials.
type MPesaConfig struct {
	ConsumerKey       string
	ConsumerSecret    string
	Passkey           string
	BusinessShortcode string
	CallbackSecret    string
	BaseURL           string
}

// MPesa starts STK push payments through Safaricom Daraja.
type MPesa struct {
	cfg     MPesaConfig
	gateway *Gateway
	now     func() time.Time
}

// NewMPesa creates an M-Pesa adapter. API calls carry a client-credentials
// token fetched from the Daraja OAuth endpoint and cached until expiry.
func NewMPesa(cfg MPesaConfig, gwCfg GatewayConfig, logger *slog.Logger, metrics observability.Metrics) *MPesa {
	if gwCfg.Timeout <= 0 {
		gwCfg.Timeout = DefaultGatewayConfig().Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.ConsumerKey,
		ClientSecret: cfg.ConsumerSecret,
		TokenURL:     cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: gwCfg.Timeout})
	client := &http.Client{
		Timeout: gwCfg.Timeout,
		Transport: &oauth2.Transport{
			Source: oauthCfg.TokenSource(tokenCtx),
			Base:   http.DefaultTransport,
		},
	}

	return &MPesa{
		cfg:     cfg,
		gateway: NewGateway(domain.ProviderMPesa, cfg.BaseURL, client, gwCfg, logger, metrics),
		now:     time.Now,
	}
}

func (m *MPesa) Name() string { return domain.ProviderMPesa }

func (m *MPesa) SupportedCurrencies() []string { return []string{"KES"} }

func (m *MPesa) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.ProviderMPesa,
		DisplayName: "M-Pesa (Direct)",
		Currencies:  m.SupportedCurrencies(),
		Regions:     []string{"Kenya", "Tanzania", "Uganda", "Mozambique", "Lesotho", "Ghana", "Egypt"},
		Features:    []string{"Mobile Money", "SMS Payments", "USSD"},
		Description: "Direct Safaricom M-Pesa integration",
	}
}

// password returns the STK password and the timestamp it was derived from.
func (m *MPesa) password() (string, string) {
	ts := m.now().In(eat).Format(mpesaTimestampLayout)
	raw := m.cfg.BusinessShortcode + m.cfg.Passkey + ts
	return base64.StdEncoding.EncodeToString([]byte(raw)), ts
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (m *MPesa) Initialize(ctx context.Context, req domain.InitializeRequest) (*domain.InitializeResult, error) {
	if req.Currency != "KES" {
		return nil, fmt.Errorf("%w: mpesa only accepts KES", domain.ErrUnsupportedCurrency)
	}
	phone := normalizePhone(req.Phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: phone number is required for M-Pesa", domain.ErrInvalidRequest)
	}
	amount := req.Amount.Round(0).IntPart()
	if amount < 1 {
		return nil, domain.ErrInvalidAmount
	}

	password, ts := m.password()
	body, err := json.Marshal(stkPushRequest{
		BusinessShortCode: m.cfg.BusinessShortcode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            m.cfg.BusinessShortcode,
		PhoneNumber:       phone,
		CallBackURL:       req.CallbackURL,
		AccountReference:  req.Reference,
		TransactionDesc:   "Subscription payment",
	})
	if err != nil {
		return nil, err
	}

	resp, err := m.gateway.do(ctx, gatewayRequest{
		operation:   "initialize",
		method:      http.MethodPost,
		path:        "/mpesa/stkpush/v1/processrequest",
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return nil, err
	}

	var out stkPushResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, m.gateway.decodeError("initialize", err)
	}
	if out.ResponseCode != mpesaResultSuccess {
		return nil, &domain.GatewayError{
			Provider:   domain.ProviderMPesa,
			Operation:  "initialize",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("stk push rejected: %s", out.ResponseDescription),
		}
	}

	instructions := out.CustomerMessage
	if instructions == "" {
		instructions = "Check your phone and enter your M-Pesa PIN to complete the payment"
	}
	return &domain.InitializeResult{
		ProviderReference: out.CheckoutRequestID,
		Instructions:      instructions,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode      string      `json:"ResponseCode"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        json.Number `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	ErrorCode         string      `json:"errorCode"`
	ErrorMessage      string      `json:"errorMessage"`
}

// Verify queries the STK push status. Without a CheckoutRequestID there is
// nothing to ask, so the payment stays pending.
func (m *MPesa) Verify(ctx context.Context, ref domain.PaymentRef) (*domain.VerifyResult, error) {
	if ref.ProviderReference == "" {
		return &domain.VerifyResult{Outcome: domain.OutcomePending}, nil
	}

	password, ts := m.password()
	body, err := json.Marshal(stkQueryRequest{
		BusinessShortCode: m.cfg.BusinessShortcode,
		Password:          password,
		Timestamp:         ts,
		CheckoutRequestID: ref.ProviderReference,
	})
	if err != nil {
		return nil, err
	}

	resp, err := m.gateway.do(ctx, gatewayRequest{
		operation:   "verify",
		method:      http.MethodPost,
		path:        "/mpesa/stkpushquery/v1/query",
		body:        body,
		contentType: "application/json",
		settled:     stillProcessing,
	})
	if err != nil {
		return nil, err
	}

	var out stkQueryResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, m.gateway.decodeError("verify", err)
	}

	result := &domain.VerifyResult{
		Outcome:           domain.OutcomePending,
		ProviderReference: ref.ProviderReference,
		Currency:          "KES",
	}
	switch {
	case out.ErrorCode != "":
		// still processing
	case out.ResultCode.String() == mpesaResultSuccess:
		result.Outcome = domain.OutcomeSuccess
	case out.ResultCode != "":
		result.Outcome = domain.OutcomeFailed
	}
	return result, nil
}

// stillProcessing recognises the query error Daraja returns while the
// customer has not yet answered the prompt.
func stillProcessing(resp *gatewayResponse) bool {
	return bytes.Contains(resp.Body, []byte(mpesaProcessingCode))
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseWebhook handles the STK callback. The callback only names the
// CheckoutRequestID, so the notification carries it as provider reference.
func (m *MPesa) ParseWebhook(headers domain.Headers, rawBody []byte) (*domain.WebhookNotification, error) {
	if !validSignature(sha256.New, m.cfg.CallbackSecret, rawBody, headers.Get(mpesaSignatureHeader)) {
		return nil, domain.ErrSignatureInvalid
	}

	var payload stkCallback
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decode mpesa callback: %w", err)
	}
	cb := payload.Body.StkCallback

	n := &domain.WebhookNotification{
		EventType:         mpesaCallbackEvent,
		ProviderReference: cb.CheckoutRequestID,
	}
	switch {
	case cb.ResultCode == "":
	case cb.ResultCode.String() == mpesaResultSuccess:
		n.Outcome = domain.OutcomeSuccess
	default:
		n.Outcome = domain.OutcomeFailed
	}
	return n, nil
}

// normalizePhone converts local Kenyan formats to 2547XXXXXXXX.
func normalizePhone(phone string) string {
	p := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(phone))
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = "254" + p[1:]
	}
	return p
}
