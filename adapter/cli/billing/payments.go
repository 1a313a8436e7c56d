package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/application"
	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	payEmail    string
	payPlan     string
	payCurrency string
	payAmount   string
	payProvider string
	payPhone    string

	transactionsLimit int
)

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Open a payment for a plan",
	Long: `Open a pending transaction with the first provider that supports the
currency and print where the user completes it.

Examples:
  tollgate billing pay --user u1 --email u1@example.com --plan weekly --currency KES
  tollgate billing pay --user u1 --email u1@example.com --plan monthly --currency KES \
      --provider mpesa --phone 254712345678`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}
		if payEmail == "" || payPlan == "" || payCurrency == "" {
			return errors.New("--email, --plan and --currency are required")
		}

		amount, err := resolveAmount(app.Services.Catalog, payPlan, payCurrency, payAmount)
		if err != nil {
			return err
		}

		res, err := app.Services.Payments.Initialize(cmd.Context(), application.InitializeCommand{
			UserID:   user,
			Email:    payEmail,
			Amount:   amount,
			Currency: payCurrency,
			PlanID:   payPlan,
			Provider: payProvider,
			Phone:    payPhone,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd, map[string]any{
				"reference":        res.Transaction.Reference,
				"provider":         res.Transaction.Provider,
				"amount":           res.Transaction.Amount,
				"currency":         res.Transaction.Currency,
				"authorizationUrl": res.AuthorizationURL,
				"accessCode":       res.AccessCode,
				"instructions":     res.Instructions,
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Reference: %s\n", res.Transaction.Reference)
		fmt.Fprintf(out, "Provider:  %s\n", res.Transaction.Provider)
		fmt.Fprintf(out, "Amount:    %s %s\n", res.Transaction.Amount.StringFixed(2), res.Transaction.Currency)
		if res.AuthorizationURL != "" {
			fmt.Fprintf(out, "Pay at:    %s\n", res.AuthorizationURL)
		}
		if res.Instructions != "" {
			fmt.Fprintln(out, res.Instructions)
		}
		return nil
	},
}

// resolveAmount parses the given amount, or falls back to the plan's price.
func resolveAmount(catalog *application.PlanCatalog, planID, currency, raw string) (decimal.Decimal, error) {
	if raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
		return amount, nil
	}

	plan, err := catalog.Get(planID)
	if err != nil {
		return decimal.Zero, err
	}
	code, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := plan.PriceIn(code)
	if !ok {
		return decimal.Zero, fmt.Errorf("plan %s has no price in %s", planID, code)
	}
	return price, nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify <reference>",
	Short: "Ask the provider for a payment's outcome and settle it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}

		tx, err := app.Services.Reconciler.VerifyPayment(cmd.Context(), user, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, tx)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", tx.Reference, tx.Status)
		return nil
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon <reference>",
	Short: "Cancel a pending payment so it settles as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}

		tx, err := app.Services.Reconciler.CancelPayment(cmd.Context(), user, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, tx)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", tx.Reference, tx.Status)
		return nil
	},
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "List a user's payment attempts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, user, err := forUser(cmd)
		if err != nil {
			return err
		}

		txs, err := app.Services.Payments.ListTransactions(cmd.Context(), user, transactionsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, txs)
		}
		if len(txs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
			return nil
		}
		for _, tx := range txs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %10s %s  %-8s %s\n",
				tx.CreatedAt.Local().Format(time.DateTime),
				tx.Status,
				tx.Amount.StringFixed(2),
				tx.Currency,
				tx.Provider,
				tx.Reference,
			)
		}
		return nil
	},
}

func init() {
	payCmd.Flags().StringVar(&payEmail, "email", "", "customer email")
	payCmd.Flags().StringVar(&payPlan, "plan", "", "plan ID")
	payCmd.Flags().StringVar(&payCurrency, "currency", "", "ISO currency code")
	payCmd.Flags().StringVar(&payAmount, "amount", "", "amount in major units (defaults to the plan price)")
	payCmd.Flags().StringVar(&payProvider, "provider", "", "preferred provider")
	payCmd.Flags().StringVar(&payPhone, "phone", "", "phone number for M-Pesa")

	transactionsCmd.Flags().IntVar(&transactionsLimit, "limit", 20, "maximum number of transactions")
}
