package billing

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a user's effective plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}

		status, err := app.Services.Subscriptions.Status(cmd.Context(), user)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, map[string]any{
				"plan":         status.Plan.ID,
				"subscription": status.Subscription,
			})
		}

		out := cmd.OutOrStdout()
		sub := status.Subscription
		if sub == nil {
			fmt.Fprintf(out, "Plan: %s (no active subscription)\n", status.Plan.ID)
			return nil
		}

		fmt.Fprintf(out, "Plan: %s (%s)\n", status.Plan.ID, sub.Status)
		fmt.Fprintf(out, "Period: %s - %s\n",
			sub.PeriodStart.Local().Format(time.RFC1123),
			sub.PeriodEnd.Local().Format(time.RFC1123))
		if sub.CancelAtPeriodEnd {
			fmt.Fprintln(out, "Renewal: cancelled, access ends with the period")
		}
		fmt.Fprintf(out, "Reference: %s\n", sub.TransactionReference)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop a subscription from renewing",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}

		sub, err := app.Services.Subscriptions.Cancel(cmd.Context(), user)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, sub)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s will not renew; access ends %s\n",
			sub.PlanID, sub.PeriodEnd.Local().Format(time.RFC1123))
		return nil
	},
}
