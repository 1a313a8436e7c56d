package cli

import (
	"errors"
	"fmt"
	"sort"

	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("one or more dependencies are unhealthy")

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check database, cache and broker connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := RequireApp(cmd)
		if err != nil {
			return err
		}
		if a.Container == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "ok (no dependency checks registered)")
			return nil
		}

		health := a.Container.Health.GetOverallHealth(cmd.Context())
		names := make([]string, 0, len(health.Checks))
		for name := range health.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		out := cmd.OutOrStdout()
		for _, name := range names {
			check := health.Checks[name]
			line := fmt.Sprintf("%-10s %s", name, check.Status)
			if check.Message != "" {
				line += "  " + check.Message
			}
			fmt.Fprintln(out, line)
		}
		fmt.Fprintf(out, "overall    %s\n", health.Status)

		if health.Status == observability.HealthStatusUnhealthy {
			return errUnhealthy
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
