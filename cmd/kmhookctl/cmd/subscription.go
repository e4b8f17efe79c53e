package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/registry"
)

var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub", "webhook"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create, list, delete and rotate the secret of webhook subscriptions.`,
}

var subscriptionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a webhook URL",
	Long: `Register an https URL for one or more events. The signing secret is
printed once and cannot be retrieved later.

Example:
  kmhookctl subscription create --url https://hooks.example.com/km --events purchase.completed,review.created`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawURL, _ := cmd.Flags().GetString("url")
		events, _ := cmd.Flags().GetStringSlice("events")
		if rawURL == "" {
			return fmt.Errorf("--url is required")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var created registry.Created
		body := map[string]any{"url": rawURL, "events": events}
		if err := newAPIClient().do(ctx, http.MethodPost, "/v1/webhooks", body, &created); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), created)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created subscription: %s\n", created.Subscription.ID)
		fmt.Fprintf(out, "  URL:    %s\n", created.Subscription.URL)
		fmt.Fprintf(out, "  Events: %s\n", strings.Join(created.Subscription.Events, ", "))
		fmt.Fprintf(out, "  Secret: %s\n", created.Secret)
		fmt.Fprintln(out, "Store the secret now; it will not be shown again.")
		return nil
	},
}

var subscriptionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your webhook subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp struct {
			Webhooks []delivery.Subscription `json:"webhooks"`
		}
		if err := newAPIClient().do(ctx, http.MethodGet, "/v1/webhooks", nil, &resp); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), resp.Webhooks)
		}
		if len(resp.Webhooks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tACTIVE\tEVENTS\tURL\tCREATED")
		for _, s := range resp.Webhooks {
			fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%s\n", s.ID, s.Active, strings.Join(s.Events, ","), s.URL, s.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var subscriptionDeleteCmd = &cobra.Command{
	Use:   "delete [subscription-id]",
	Short: "Delete a webhook subscription and its delivery logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if err := newAPIClient().do(ctx, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription: %s\n", args[0])
		return nil
	},
}

var subscriptionRotateCmd = &cobra.Command{
	Use:   "rotate [subscription-id]",
	Short: "Issue a new signing secret and reactivate the subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp struct {
			Secret string `json:"secret"`
		}
		if err := newAPIClient().do(ctx, http.MethodPost, "/v1/webhooks/"+url.PathEscape(args[0])+"/rotate", nil, &resp); err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "New secret: %s\n", resp.Secret)
		return nil
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [subscription-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			path := "/v1/webhooks/" + url.PathEscape(args[0]) + "/active"
			if err := newAPIClient().do(ctx, http.MethodPut, path, map[string]bool{"active": active}, nil); err != nil {
				return fmt.Errorf("failed to %s subscription: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s active=%v\n", args[0], active)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(subscriptionCreateCmd, subscriptionListCmd, subscriptionDeleteCmd, subscriptionRotateCmd)
	subscriptionCmd.AddCommand(
		setActiveCmd("pause", "Stop deliveries to a subscription", false),
		setActiveCmd("resume", "Resume deliveries to a subscription", true),
	)

	subscriptionCreateCmd.Flags().String("url", "", "https URL that receives webhooks")
	subscriptionCreateCmd.Flags().StringSlice("events", nil, "events to subscribe to ("+strings.Join(delivery.Events, ", ")+")")
}
