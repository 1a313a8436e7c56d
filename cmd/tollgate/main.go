package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/tollgate/adapter/cli"
	cliBilling "github.com/felixgeelhaar/tollgate/adapter/cli/billing"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
)

func main() {
	logger := observability.LoggerFromEnv()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	cli.SetLogger(logger)
	cli.SetBootstrapper(cli.ContainerBootstrapper(logger))
	cli.AddCommand(cliBilling.Cmd)

	cli.Execute(ctx)
}
