package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/kmhook/internal/delivery"
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [subscription-id]",
	Short: "Show failed and dead delivery attempts for a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		path := fmt.Sprintf("/v1/webhooks/%s/deliveries?limit=%d", url.PathEscape(args[0]), limit)
		var resp struct {
			Deliveries []delivery.Attempt `json:"deliveries"`
		}
		if err := newAPIClient().do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), resp.Deliveries)
		}
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No failed deliveries.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tEVENT\tATTEMPT\tSTATUS\tERROR")
		for _, a := range resp.Deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", a.CreatedAt.Format("2006-01-02 15:04:05"), a.Event, a.Attempt, a.Status, a.ErrorMessage)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(deliveriesCmd)
	deliveriesCmd.Flags().Int("limit", 50, "maximum attempts to show (max 500)")
}
