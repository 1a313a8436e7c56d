package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/tollgate/adapter/api"
	"github.com/felixgeelhaar/tollgate/adapter/cli"
	"github.com/felixgeelhaar/tollgate/pkg/config"
	"github.com/spf13/cobra"
)

var (
	tokenTTL    time.Duration
	tokenSecret string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user",
	Long: `Sign an HS256 token the API accepts for --user. The secret defaults
to JWT_SECRET.

Examples:
  tollgate billing token --user u1 --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if userID == "" {
			return errUserRequired
		}

		secret := tokenSecret
		if secret == "" {
			secret = configuredSecret()
		}
		if secret == "" {
			return errors.New("no signing secret: set JWT_SECRET or pass --secret")
		}

		token, err := api.NewAuthenticator(secret).Issue(userID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func configuredSecret() string {
	if app := cli.GetApp(); app != nil && app.Config != nil {
		return app.Config.JWTSecret
	}
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	return cfg.JWTSecret
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (defaults to JWT_SECRET)")
}
