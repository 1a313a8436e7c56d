package app

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/tollgate/internal/billing/setup"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/database"
)

// repositoriesFor builds the billing stores for the driver the container
// connected with.
func (c *Container) repositoriesFor(driver database.Driver) (setup.Repositories, error) {
	switch driver {
	case database.DriverPostgres:
		if c.Pool == nil {
			return setup.Repositories{}, errors.New("PostgreSQL pool not initialized")
		}
		return setup.PostgresRepositories(c.Pool), nil

	case database.DriverSQLite:
		if c.SQLite == nil {
			return setup.Repositories{}, errors.New("SQLite database not initialized")
		}
		return setup.SQLiteRepositories(c.SQLite), nil

	default:
		return setup.Repositories{}, fmt.Errorf("unsupported driver: %s", driver)
	}
}
