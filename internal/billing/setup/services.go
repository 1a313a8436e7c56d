package setup

import (
	"database/sql"
	"log/slog"

	"github.com/felixgeelhaar/tollgate/internal/billing/application"
	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	billingPersistence "github.com/felixgeelhaar/tollgate/internal/billing/infrastructure/persistence"
	sharedApplication "github.com/felixgeelhaar/tollgate/internal/shared/application"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/felixgeelhaar/tollgate/pkg/config"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

// Repositories groups the billing stores and their transaction boundary.
type Repositories struct {
	Transactions  domain.TransactionRepository
	Subscriptions domain.SubscriptionRepository
	Usage         domain.UsageRepository
	Webhooks      domain.WebhookEventRepository
	Outbox        outbox.Repository
	UnitOfWork    sharedApplication.UnitOfWork
}

// PostgresRepositories builds the repositories over a pgx pool.
func PostgresRepositories(pool sharedPersistence.Pool) Repositories {
	return Repositories{
		Transactions:  billingPersistence.NewPostgresTransactionRepository(pool),
		Subscriptions: billingPersistence.NewPostgresSubscriptionRepository(pool),
		Usage:         billingPersistence.NewPostgresUsageRepository(pool),
		Webhooks:      billingPersistence.NewPostgresWebhookEventRepository(pool),
		Outbox:        outbox.NewPostgresRepository(pool),
		UnitOfWork:    sharedPersistence.NewPostgresUnitOfWork(pool),
	}
}

// SQLiteRepositories builds the repositories used in local mode.
func SQLiteRepositories(db *sql.DB) Repositories {
	return Repositories{
		Transactions:  billingPersistence.NewSQLiteTransactionRepository(db),
		Subscriptions: billingPersistence.NewSQLiteSubscriptionRepository(db),
		Usage:         billingPersistence.NewSQLiteUsageRepository(db),
		Webhooks:      billingPersistence.NewSQLiteWebhookEventRepository(db),
		Outbox:        outbox.NewSQLiteRepository(db),
		UnitOfWork:    sharedPersistence.NewSQLiteUnitOfWork(db),
	}
}

// Options carries the optional collaborators of the billing services.
type Options struct {
	ReplayGuard application.ReplayGuard
	RateLimiter application.RateLimiter
	Sealer      application.PayloadSealer
	Logger      *slog.Logger
	Metrics     observability.Metrics
}

// Services is the billing application layer, fully wired.
type Services struct {
	Catalog       *application.PlanCatalog
	Registry      *application.ProviderRegistry
	Resolver      *application.SubscriptionResolver
	Payments      *application.PaymentService
	Reconciler    *application.Reconciler
	Evaluator     *application.EntitlementEvaluator
	Recorder      *application.UsageRecorder
	Subscriptions *application.SubscriptionService
}

// NewServices wires the billing services over repos and registry.
func NewServices(cfg *config.Config, repos Repositories, registry *application.ProviderRegistry, opts Options) *Services {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	catalog := application.NewPlanCatalog(application.DefaultPlans()...)
	trial := application.TrialConfig{Days: cfg.TrialDays, FeatureCap: cfg.TrialFeatureCap}
	resolver := application.NewSubscriptionResolver(repos.Subscriptions, repos.Outbox, repos.UnitOfWork,
		observability.Component(logger, "resolver"))

	return &Services{
		Catalog:  catalog,
		Registry: registry,
		Resolver: resolver,
		Payments: application.NewPaymentService(repos.Transactions, registry, catalog, cfg.PaymentCallbackURL,
			observability.Component(logger, "payments")).WithMetrics(metrics),
		Reconciler: application.NewReconciler(application.ReconcilerDeps{
			Transactions:  repos.Transactions,
			Subscriptions: repos.Subscriptions,
			Webhooks:      repos.Webhooks,
			Outbox:        repos.Outbox,
			UnitOfWork:    repos.UnitOfWork,
			Registry:      registry,
			Catalog:       catalog,
			ReplayGuard:   opts.ReplayGuard,
			Sealer:        opts.Sealer,
			Logger:        observability.Component(logger, "reconciler"),
			Metrics:       metrics,
		}),
		Evaluator: application.NewEntitlementEvaluator(resolver, repos.Usage, catalog, trial, cfg.EntitlementFailOpen,
			observability.Component(logger, "entitlements")).WithMetrics(metrics),
		Recorder: application.NewUsageRecorder(repos.Usage, repos.Outbox, repos.UnitOfWork, resolver, catalog, trial,
			opts.RateLimiter, observability.Component(logger, "usage")).WithMetrics(metrics),
		Subscriptions: application.NewSubscriptionService(resolver, repos.Subscriptions, repos.Outbox, repos.UnitOfWork,
			catalog, observability.Component(logger, "subscriptions")),
	}
}
