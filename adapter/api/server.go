// Package api exposes the billing services over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

// Server is the billing HTTP API server.
type Server struct {
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
	metrics observability.Metrics
	handler *BillingHandler
	auth    *Authenticator
	health  *observability.HealthRegistry
	cfg     ServerConfig
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           "0.0.0.0:8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   1 << 20,
	}
}

// NewServer creates the API server. health may be nil.
func NewServer(cfg ServerConfig, handler *BillingHandler, auth *Authenticator, health *observability.HealthRegistry, logger *slog.Logger, metrics observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if health == nil {
		health = observability.NewHealthRegistry()
	}
	def := DefaultServerConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	s := &Server{
		mux:     http.NewServeMux(),
		logger:  logger,
		metrics: metrics,
		handler: handler,
		auth:    auth,
		health:  health,
		cfg:     cfg,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// registerRoutes sets up the API routes.
func (s *Server) registerRoutes() {
	s.mux.Handle("GET /health", s.health.Handler())

	// Public
	s.mux.HandleFunc("GET /payment/plans", s.handler.Plans)
	s.mux.HandleFunc("GET /payment/providers", s.handler.Providers)

	// Authenticated by the provider signature
	s.mux.HandleFunc("POST /payment/webhook/{provider}", s.handler.Webhook)

	// Bearer token
	s.mux.Handle("POST /payment/initialize", s.auth.Require(s.handler.Initialize))
	s.mux.Handle("GET /payment/verify/{reference}", s.auth.Require(s.handler.Verify))
	s.mux.Handle("GET /payment/transactions", s.auth.Require(s.handler.Transactions))
	s.mux.Handle("POST /payment/cancel/{reference}", s.auth.Require(s.handler.CancelPayment))
	s.mux.Handle("GET /payment/check-usage/{feature}", s.auth.Require(s.handler.CheckUsage))
	s.mux.Handle("POST /payment/record-usage/{feature}", s.auth.Require(s.handler.RecordUsage))
	s.mux.Handle("GET /payment/usage", s.auth.Require(s.handler.Usage))
	s.mux.Handle("GET /payment/subscription", s.auth.Require(s.handler.Subscription))
	s.mux.Handle("POST /payment/cancel-subscription", s.auth.Require(s.handler.CancelSubscription))
}

// Handler returns the routed handler wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoverer(s.logger),
		requestContext,
		timeout(s.cfg.RequestTimeout),
		limitBody(s.cfg.MaxBodyBytes),
		// innermost, so the mux's matched pattern is visible afterwards
		accessLog(s.logger, s.metrics),
	)
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting billing API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down billing API server")
	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes the structured error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

// statusFor maps an application error onto an HTTP status and a message
// that is safe to show the caller.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, domain.ErrNoActiveSubscription):
		return http.StatusNotFound, "No active subscription"
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, "Transaction already settled"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "Usage rate limit exceeded"
	case errors.Is(err, persistence.ErrPoolSaturated):
		return http.StatusServiceUnavailable, "Service busy, try again"
	case errors.Is(err, domain.ErrGateway):
		return http.StatusBadGateway, "Payment provider unavailable, try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Request timed out"
	case domain.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// respondError logs server-side failures and writes the mapped error.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, message)
}
