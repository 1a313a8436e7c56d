package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/felixgeelhaar/tollgate/internal/app"
	"github.com/felixgeelhaar/tollgate/internal/billing/setup"
	"github.com/felixgeelhaar/tollgate/pkg/config"
	"github.com/spf13/cobra"
)

// ErrNoApp is returned by commands that need the billing services when no
// container could be built.
var ErrNoApp = errors.New("billing commands require database connection")

// App holds the CLI application dependencies.
type App struct {
	Config   *config.Config
	Services *setup.Services

	// Container is nil when the app was assembled by hand, as in tests.
	Container *app.Container
}

// NewApp exposes a container's services to the commands.
func NewApp(c *app.Container) *App {
	return &App{
		Config:    c.Config,
		Services:  c.Services,
		Container: c,
	}
}

// Bootstrapper builds the app on first use. local selects SQLite.
type Bootstrapper func(ctx context.Context, local bool) (*App, error)

var (
	mu           sync.Mutex
	cliApp       *App
	bootstrapper Bootstrapper
)

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	mu.Lock()
	defer mu.Unlock()
	cliApp = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	mu.Lock()
	defer mu.Unlock()
	return cliApp
}

// SetBootstrapper installs the function RequireApp uses to build the app.
func SetBootstrapper(b Bootstrapper) {
	mu.Lock()
	defer mu.Unlock()
	bootstrapper = b
}

// RequireApp returns the app, building it on the first call. Commands that
// never touch storage do not pay for the connection.
func RequireApp(cmd *cobra.Command) (*App, error) {
	mu.Lock()
	defer mu.Unlock()

	if cliApp != nil {
		return cliApp, nil
	}
	if bootstrapper == nil {
		return nil, ErrNoApp
	}

	a, err := bootstrapper(cmd.Context(), local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoApp, err)
	}
	if a == nil || a.Services == nil {
		return nil, ErrNoApp
	}
	cliApp = a
	return a, nil
}

// ContainerBootstrapper loads configuration from the environment and builds
// the infrastructure container.
func ContainerBootstrapper(logger *slog.Logger) Bootstrapper {
	return func(ctx context.Context, local bool) (*App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}

		var c *app.Container
		if local {
			c, err = app.NewLocalContainer(ctx, cfg, logger)
		} else {
			c, err = app.NewContainer(ctx, cfg, logger)
		}
		if err != nil {
			return nil, err
		}
		return NewApp(c), nil
	}
}

func closeApp() {
	mu.Lock()
	defer mu.Unlock()
	if cliApp != nil && cliApp.Container != nil {
		cliApp.Container.Close()
	}
	cliApp = nil
}
