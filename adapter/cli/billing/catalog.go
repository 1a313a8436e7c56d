package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/felixgeelhaar/tollgate/adapter/cli"
	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/spf13/cobra"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List the plan catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp(cmd)
		if err != nil {
			return err
		}
		plans := app.Services.Payments.Plans()
		if jsonOutput {
			return printJSON(cmd, plans)
		}

		out := cmd.OutOrStdout()
		for _, p := range plans {
			fmt.Fprintf(out, "%s  %s (%s)\n", p.ID, p.Name, p.BillingCycle)
			if prices := formatPrices(p); prices != "" {
				fmt.Fprintf(out, "  price:  %s\n", prices)
			}
			for _, f := range sortedFeatures(p.Limits) {
				fmt.Fprintf(out, "  %-16s %s\n", f, limitText(p.Limits[f]))
			}
		}
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured payment providers in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp(cmd)
		if err != nil {
			return err
		}
		providers := app.Services.Payments.Providers()
		if jsonOutput {
			return printJSON(cmd, providers)
		}
		if len(providers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No payment providers configured.")
			return nil
		}
		for i, p := range providers {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. %s [%s]\n", i+1, p.Name, strings.Join(p.Currencies, ", "))
		}
		return nil
	},
}

func formatPrices(p domain.Plan) string {
	currencies := make([]string, 0, len(p.Prices))
	for c := range p.Prices {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	parts := make([]string, 0, len(currencies))
	for _, c := range currencies {
		parts = append(parts, p.Prices[c].StringFixed(2)+" "+c)
	}
	return strings.Join(parts, ", ")
}

func sortedFeatures(limits map[domain.Feature]int) []domain.Feature {
	features := make([]domain.Feature, 0, len(limits))
	for f := range limits {
		features = append(features, f)
	}
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
	return features
}
