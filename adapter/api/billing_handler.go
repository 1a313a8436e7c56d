package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/application"
	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/internal/billing/setup"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/shopspring/decimal"
)

// BillingHandler serves the payment and entitlement endpoints.
type BillingHandler struct {
	services *setup.Services
	logger   *slog.Logger
}

// NewBillingHandler creates the handler.
func NewBillingHandler(services *setup.Services, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{services: services, logger: logger}
}

type planView struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description"`
	DurationDays int                        `json:"durationDays"`
	BillingCycle string                     `json:"billingCycle"`
	Prices       map[string]decimal.Decimal `json:"prices"`
	Limits       map[domain.Feature]int     `json:"limits"`
}

func newPlanView(p domain.Plan) planView {
	return planView{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		DurationDays: p.DurationDays,
		BillingCycle: p.BillingCycle,
		Prices:       p.Prices,
		Limits:       p.Limits,
	}
}

type transactionView struct {
	Reference         string            `json:"reference"`
	Status            string            `json:"status"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Provider          string            `json:"provider"`
	ProviderReference string            `json:"providerReference,omitempty"`
	Metadata          map[string]string `json:"metadata"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func newTransactionView(tx *domain.Transaction) transactionView {
	return transactionView{
		Reference:         tx.Reference,
		Status:            string(tx.Status),
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		Provider:          tx.Provider,
		ProviderReference: tx.ProviderReference,
		Metadata:          tx.Metadata,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
	}
}

type subscriptionView struct {
	PlanID            string    `json:"planId"`
	Status            string    `json:"status"`
	PeriodStart       time.Time `json:"periodStart"`
	PeriodEnd         time.Time `json:"periodEnd"`
	CancelAtPeriodEnd bool      `json:"cancelAtPeriodEnd"`
	Reference         string    `json:"reference"`
}

func newSubscriptionView(s *domain.Subscription) *subscriptionView {
	if s == nil {
		return nil
	}
	return &subscriptionView{
		PlanID:            s.PlanID,
		Status:            string(s.Status),
		PeriodStart:       s.PeriodStart,
		PeriodEnd:         s.PeriodEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Reference:         s.TransactionReference,
	}
}

// Plans handles GET /payment/plans.
func (h *BillingHandler) Plans(w http.ResponseWriter, r *http.Request) {
	plans := h.services.Payments.Plans()
	views := make([]planView, 0, len(plans))
	for _, p := range plans {
		views = append(views, newPlanView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "plans": views})
}

// Providers handles GET /payment/providers.
func (h *BillingHandler) Providers(w http.ResponseWriter, r *http.Request) {
	providers := h.services.Payments.Providers()
	if providers == nil {
		providers = []domain.ProviderInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "providers": providers})
}

// Webhook handles POST /payment/webhook/{provider}. The raw body is passed
// through untouched so signatures can be checked.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	status, err := h.services.Reconciler.HandleWebhook(r.Context(), provider, r.Header, body)
	if errors.Is(err, domain.ErrProviderUnavailable) {
		writeError(w, http.StatusNotFound, "Unknown payment provider")
		return
	}
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

type initializeRequest struct {
	Email    string              `json:"email"`
	Amount   decimal.NullDecimal `json:"amount"`
	Currency string              `json:"currency"`
	PlanID   string              `json:"planId"`
	Provider string              `json:"provider"`
	Phone    string              `json:"phone"`
}

// Initialize handles POST /payment/initialize. Without an amount the plan's
// price in the requested currency is charged.
func (h *BillingHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Currency == "" || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "email, currency and planId are required")
		return
	}

	amount := req.Amount.Decimal
	if !req.Amount.Valid {
		plan, err := h.services.Catalog.Get(req.PlanID)
		if err != nil {
			respondError(w, r, h.logger, err)
			return
		}
		currency, err := domain.NormalizeCurrency(req.Currency)
		if err != nil {
			respondError(w, r, h.logger, err)
			return
		}
		price, ok := plan.PriceIn(currency)
		if !ok {
			writeError(w, http.StatusBadRequest, "Plan has no price in "+currency)
			return
		}
		amount = price
	}

	res, err := h.services.Payments.Initialize(r.Context(), application.InitializeCommand{
		UserID:   observability.UserIDFromContext(r.Context()),
		Email:    req.Email,
		Amount:   amount,
		Currency: req.Currency,
		PlanID:   req.PlanID,
		Provider: req.Provider,
		Phone:    req.Phone,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	resp := map[string]any{
		"status":    "success",
		"reference": res.Transaction.Reference,
		"provider":  res.Transaction.Provider,
	}
	if res.AuthorizationURL != "" {
		resp["authorizationUrl"] = res.AuthorizationURL
	}
	if res.AccessCode != "" {
		resp["accessCode"] = res.AccessCode
	}
	if res.Instructions != "" {
		resp["instructions"] = res.Instructions
	}
	writeJSON(w, http.StatusOK, resp)
}

// Verify handles GET /payment/verify/{reference}.
func (h *BillingHandler) Verify(w http.ResponseWriter, r *http.Request) {
	userID := observability.UserIDFromContext(r.Context())
	tx, err := h.services.Reconciler.VerifyPayment(r.Context(), userID, r.PathValue("reference"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": newTransactionView(tx)})
}

// CancelPayment handles POST /payment/cancel/{reference}. Only pending
// payments can be cancelled; a settled one answers 409.
func (h *BillingHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	userID := observability.UserIDFromContext(r.Context())
	tx, err := h.services.Reconciler.CancelPayment(r.Context(), userID, r.PathValue("reference"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": newTransactionView(tx)})
}

// Transactions handles GET /payment/transactions?limit=n.
func (h *BillingHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}

	txs, err := h.services.Payments.ListTransactions(r.Context(), observability.UserIDFromContext(r.Context()), limit)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, newTransactionView(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "transactions": views})
}

// CheckUsage handles GET /payment/check-usage/{feature}.
func (h *BillingHandler) CheckUsage(w http.ResponseWriter, r *http.Request) {
	feature, err := domain.ParseFeature(r.PathValue("feature"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	d, err := h.services.Evaluator.CanUse(r.Context(), observability.UserIDFromContext(r.Context()), feature)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"canUse":       d.Allowed,
		"currentUsage": d.CurrentUsage,
		"limit":        d.Limit,
		"remaining":    d.Remaining,
		"plan":         d.Plan,
		"degraded":     d.Degraded,
	})
}

type recordUsageRequest struct {
	Count int `json:"count"`
}

// RecordUsage handles POST /payment/record-usage/{feature}. The body is
// optional and the count defaults to one.
func (h *BillingHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	feature, err := domain.ParseFeature(r.PathValue("feature"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	req := recordUsageRequest{Count: 1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, err := h.services.Recorder.Record(r.Context(), observability.UserIDFromContext(r.Context()), feature, req.Count); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Usage recorded",
	})
}

// Usage handles GET /payment/usage?period=YYYY-MM.
func (h *BillingHandler) Usage(w http.ResponseWriter, r *http.Request) {
	summary, err := h.services.Recorder.Summarize(r.Context(),
		observability.UserIDFromContext(r.Context()), r.URL.Query().Get("period"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "usage": summary})
}

// Subscription handles GET /payment/subscription.
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	st, err := h.services.Subscriptions.Status(r.Context(), observability.UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"subscription": newSubscriptionView(st.Subscription),
		"plan":         newPlanView(st.Plan),
	})
}

// CancelSubscription handles POST /payment/cancel-subscription.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.services.Subscriptions.Cancel(r.Context(), observability.UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"message":      "Subscription will not renew",
		"subscription": newSubscriptionView(sub),
	})
}
