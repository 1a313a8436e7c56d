package setup

import (
	"log/slog"

	"github.com/felixgeelhaar/tollgate/internal/billing/application"
	"github.com/felixgeelhaar/tollgate/internal/billing/infrastructure/providers"
	"github.com/felixgeelhaar/tollgate/pkg/config"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

// RegisterProviders registers every configured gateway in priority order:
// paystack, mpesa, stripe. Providers without credentials are skipped.
func RegisterProviders(registry *application.ProviderRegistry, cfg *config.Config, logger *slog.Logger, metrics observability.Metrics) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := providers.GatewayConfig{
		Timeout:      cfg.GatewayTimeout,
		RetryBackoff: cfg.GatewayRetryBackoff,
	}

	if cfg.Paystack.Enabled() {
		registry.Register(providers.NewPaystack(cfg.Paystack.SecretKey, cfg.Paystack.BaseURL, gw, logger, metrics))
		logger.Debug("registered payment provider", "provider", "paystack")
	}

	if cfg.MPesa.Enabled() {
		if cfg.MPesa.CallbackSecret == "" {
			logger.Warn("MPESA_CALLBACK_SECRET is not set; M-Pesa callbacks will be rejected")
		}
		registry.Register(providers.NewMPesa(providers.MPesaConfig{
			ConsumerKey:       cfg.MPesa.ConsumerKey,
			ConsumerSecret:    cfg.MPesa.ConsumerSecret,
			Passkey:           cfg.MPesa.Passkey,
			BusinessShortcode: cfg.MPesa.BusinessShortcode,
			CallbackSecret:    cfg.MPesa.CallbackSecret,
			BaseURL:           cfg.MPesa.BaseURL,
		}, gw, logger, metrics))
		logger.Debug("registered payment provider", "provider", "mpesa")
	}

	if cfg.Stripe.Enabled() {
		if cfg.Stripe.WebhookSecret == "" {
			logger.Warn("STRIPE_WEBHOOK_SECRET is not set; Stripe webhooks will be rejected")
		}
		registry.Register(providers.NewStripe(cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret, cfg.Stripe.BaseURL, gw, logger, metrics))
		logger.Debug("registered payment provider", "provider", "stripe")
	}

	if registry.Len() == 0 {
		logger.Warn("no payment providers configured")
	}
}
