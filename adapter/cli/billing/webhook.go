package billing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/tollgate/adapter/cli"
	"github.com/felixgeelhaar/tollgate/internal/billing/infrastructure/providers"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/security"
	"github.com/spf13/cobra"
)

var (
	webhookProvider   string
	webhookEventPath  string
	webhookSignSecret string
	webhookHeaders    []string
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Replay a provider webhook payload",
	Long: `Feed a saved webhook body through the same path as the HTTP endpoint:
signature check, event log, replay guard and reconciliation.

Pass the captured signature with --header, or re-sign the body with
--sign-secret when replaying against a local database.

Examples:
  tollgate billing webhook --provider paystack --event ./charge.json \
      --header "X-Paystack-Signature: 3a9f..."
  tollgate billing webhook --provider stripe --event ./pi.json --sign-secret whsec_test`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if webhookProvider == "" {
			return errors.New("provider is required")
		}
		if webhookEventPath == "" {
			return errors.New("event path is required")
		}

		payload, err := security.SafeReadFile(webhookEventPath)
		if err != nil {
			return err
		}

		headers, err := webhookRequestHeaders(payload)
		if err != nil {
			return err
		}

		app, err := cli.RequireApp(cmd)
		if err != nil {
			return err
		}

		status, err := app.Services.Reconciler.HandleWebhook(cmd.Context(), webhookProvider, headers, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Webhook %s: %s\n", webhookProvider, status)
		return nil
	},
}

func webhookRequestHeaders(payload []byte) (http.Header, error) {
	h := http.Header{}
	if webhookSignSecret != "" {
		signed, err := providers.SignedHeaders(webhookProvider, webhookSignSecret, payload, time.Now())
		if err != nil {
			return nil, err
		}
		h = signed
	}
	for _, raw := range webhookHeaders {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected Name: value", raw)
		}
		h.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}

func init() {
	webhookCmd.Flags().StringVar(&webhookProvider, "provider", "", "provider that sent the webhook")
	webhookCmd.Flags().StringVar(&webhookEventPath, "event", "", "path to the raw webhook body")
	webhookCmd.Flags().StringVar(&webhookSignSecret, "sign-secret", "", "sign the body with this secret")
	webhookCmd.Flags().StringArrayVar(&webhookHeaders, "header", nil, "request header as Name: value (repeatable)")
}
