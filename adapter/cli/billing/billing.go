// Package billing holds the operator commands for plans, payments and
// entitlements.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/tollgate/adapter/cli"
	"github.com/spf13/cobra"
)

var (
	userID     string
	jsonOutput bool
)

// Cmd is the billing command group.
var Cmd = &cobra.Command{
	Use:   "billing",
	Short: "Manage plans, payments and entitlements",
	Long: `Inspect and operate on a user's subscription, ledger and usage.

Most commands act on the user given with --user.`,
}

func init() {
	Cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user ID to act on")
	Cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	Cmd.AddCommand(plansCmd)
	Cmd.AddCommand(providersCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(cancelCmd)
	Cmd.AddCommand(payCmd)
	Cmd.AddCommand(verifyCmd)
	Cmd.AddCommand(abandonCmd)
	Cmd.AddCommand(transactionsCmd)
	Cmd.AddCommand(checkCmd)
	Cmd.AddCommand(recordCmd)
	Cmd.AddCommand(usageCmd)
	Cmd.AddCommand(webhookCmd)
	Cmd.AddCommand(tokenCmd)
}

var errUserRequired = errors.New("--user is required")

// forUser returns the app for commands scoped to a single user.
func forUser(cmd *cobra.Command) (*cli.App, string, error) {
	if userID == "" {
		return nil, "", errUserRequired
	}
	app, err := cli.RequireApp(cmd)
	if err != nil {
		return nil, "", err
	}
	return app, userID, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func limitText(limit int) string {
	if limit < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}
