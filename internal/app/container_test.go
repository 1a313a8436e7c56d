package app

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/application/subscribers"
	"github.com/felixgeelhaar/tollgate/internal/billing/application"
	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/internal/billing/infrastructure/providers"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/tollgate/pkg/config"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AppEnv:          "development",
		SQLitePath:      filepath.Join(t.TempDir(), "tollgate.db"),
		DBMaxConns:      1,
		TrialDays:       7,
		TrialFeatureCap: 5,
		UsageRateLimit:  100,
		Paystack:        config.PaystackConfig{SecretKey: "sk_test", BaseURL: "http://127.0.0.1:1"},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLocalContainer_WiresServices(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalContainer(ctx, localConfig(t), discardLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, database.DriverSQLite, c.Driver)
	require.NotNil(t, c.Services)
	assert.NotEmpty(t, c.Services.Payments.Plans())
	assert.Equal(t, 1, c.Registry.Len())
	assert.NotNil(t, c.InProcessBus)

	health := c.Health.GetOverallHealth(ctx)
	assert.Equal(t, observability.HealthStatusHealthy, health.Status)
	assert.Contains(t, health.Checks, "database")

	_, err = c.Services.Recorder.Record(ctx, "u1", domain.FeatureFoodDetection, 1)
	require.NoError(t, err)
	d, err := c.Services.Evaluator.CanUse(ctx, "u1", domain.FeatureFoodDetection)
	require.NoError(t, err)
	assert.Equal(t, 1, d.CurrentUsage)
}

func TestNewContainer_EmptyURLRunsLocally(t *testing.T) {
	c, err := NewContainer(context.Background(), localConfig(t), discardLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, database.DriverSQLite, c.Driver)
	assert.Nil(t, c.DB)
}

func TestLocalContainer_OutboxReachesAuditor(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalContainer(ctx, localConfig(t), discardLogger())
	require.NoError(t, err)
	defer c.Close()

	now := time.Now().UTC()
	sub := domain.NewSubscription("u1", domain.Plan{ID: domain.PlanWeekly, DurationDays: 7, Active: true}, "ML_u1_aa", now)
	msg, err := outbox.NewMessage(domain.NewSubscriptionActivated(sub, now))
	require.NoError(t, err)
	require.NoError(t, c.Repositories.Outbox.Save(ctx, msg))

	require.NoError(t, c.OutboxProcessor.ProcessOnce(ctx))

	assert.Equal(t, int64(1), c.Metrics.GetCounter(subscribers.MetricLifecycleEvents,
		observability.T("event", domain.RoutingKeySubscriptionActivated)))

	pending, err := c.Repositories.Outbox.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLocalContainer_SealsWebhookPayloads(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	cfg := localConfig(t)
	cfg.WebhookPayloadKey = key

	ctx := context.Background()
	c, err := NewLocalContainer(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	body := []byte(`{"event":"charge.success","data":{"status":"success","reference":"ML_unknown","customer":{"email":"u1@example.com"}}}`)
	headers, err := providers.SignedHeaders(domain.ProviderPaystack, cfg.Paystack.SecretKey, body, time.Now())
	require.NoError(t, err)

	status, err := c.Services.Reconciler.HandleWebhook(ctx, domain.ProviderPaystack, headers, body)
	require.NoError(t, err)
	assert.Equal(t, application.WebhookIgnored, status)

	var stored string
	require.NoError(t, c.SQLite.QueryRow(`SELECT payload FROM webhook_events`).Scan(&stored))
	assert.NotContains(t, stored, "u1@example.com")

	sealer, err := crypto.NewPayloadSealer(key)
	require.NoError(t, err)
	opened, err := sealer.Open([]byte(stored))
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(opened))
}

func TestLocalContainer_RejectsBadPayloadKey(t *testing.T) {
	cfg := localConfig(t)
	cfg.WebhookPayloadKey = "short"

	_, err := NewLocalContainer(context.Background(), cfg, discardLogger())
	assert.ErrorContains(t, err, "WEBHOOK_PAYLOAD_KEY")
}
