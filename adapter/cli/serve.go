package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/felixgeelhaar/tollgate/adapter/api"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/spf13/cobra"
)

var (
	serveAddr          string
	serveShutdownGrace time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing HTTP API",
	Long: `Serve the payment, webhook and entitlement endpoints.

The outbox processor runs in the same process unless
OUTBOX_PROCESSOR_ENABLED=false, in which case run "tollgate-worker".

Examples:
  tollgate serve
  tollgate serve --local --addr 127.0.0.1:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := RequireApp(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		log := Logger()

		cfg := api.DefaultServerConfig()
		cfg.Addr = a.Config.HTTPAddr
		if serveAddr != "" {
			cfg.Addr = serveAddr
		}
		if a.Config.RequestTimeout > 0 {
			cfg.RequestTimeout = a.Config.RequestTimeout
		}

		var (
			health  *observability.HealthRegistry
			metrics observability.Metrics
		)
		if c := a.Container; c != nil {
			health = c.Health
			metrics = c.Metrics
			if a.Config.OutboxProcessorEnabled {
				if err := c.OutboxProcessor.Start(ctx); err != nil {
					return err
				}
			} else {
				log.Info("outbox processor disabled, run the worker to publish events")
			}
		}

		if a.Config.JWTSecret == "" {
			log.Warn("JWT_SECRET is not set; authenticated routes will reject every request")
		}

		server := api.NewServer(cfg,
			api.NewBillingHandler(a.Services, observability.Component(log, "api")),
			api.NewAuthenticator(a.Config.JWTSecret),
			health,
			log,
			metrics,
		)

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to HTTP_ADDR)")
	serveCmd.Flags().DurationVar(&serveShutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for in-flight requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}
