package billing

import (
	"fmt"

	"github.com/felixgeelhaar/tollgate/internal/billing/application"
	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/spf13/cobra"
)

var (
	recordCount int
	usagePeriod string
)

var checkCmd = &cobra.Command{
	Use:   "check <feature>",
	Short: "Decide whether a user may use a feature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}
		feature, err := domain.ParseFeature(args[0])
		if err != nil {
			return err
		}

		d, err := app.Services.Evaluator.CanUse(cmd.Context(), user, feature)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, map[string]any{
				"canUse":       d.Allowed,
				"currentUsage": d.CurrentUsage,
				"limit":        d.Limit,
				"remaining":    d.Remaining,
				"plan":         d.Plan,
				"degraded":     d.Degraded,
			})
		}

		verdict := "allowed"
		if !d.Allowed {
			verdict = "denied"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s on %s (used %d of %s, remaining %s)\n",
			feature, verdict, d.Plan, d.CurrentUsage, limitText(d.Limit), limitText(d.Remaining))
		if d.Degraded {
			fmt.Fprintln(cmd.OutOrStdout(), "warning: storage unavailable, decision is a degraded trial")
		}
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <feature>",
	Short: "Record consumption of a feature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}
		feature, err := domain.ParseFeature(args[0])
		if err != nil {
			return err
		}

		rec, err := app.Services.Recorder.Record(cmd.Context(), user, feature, recordCount)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, rec)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d x %s\n", rec.Count, rec.Feature)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarize usage for the current period or a month",
	Long: `Summarize usage per feature.

Examples:
  tollgate billing usage --user u1
  tollgate billing usage --user u1 --period 2026-03`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}

		summary, err := app.Services.Recorder.Summarize(cmd.Context(), user, usagePeriod)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, summary)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Plan %s, %s to %s\n", summary.Plan,
			summary.From.Format("2006-01-02"), summary.To.Format("2006-01-02"))
		for _, f := range summary.Features {
			fmt.Fprintf(out, "  %-16s %4d / %-9s remaining %s\n",
				f.Feature, f.Used, limitText(f.Limit), limitText(f.Remaining))
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().IntVar(&recordCount, "count", 1, "units consumed")
	usageCmd.Flags().StringVar(&usagePeriod, "period", application.PeriodCurrent, `"current" or a month as YYYY-MM`)
}
