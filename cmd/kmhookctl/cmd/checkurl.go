package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/kmhook/internal/ssrf"
)

// guard is replaced in tests.
var guard interface {
	Check(ctx context.Context, raw string) ssrf.Verdict
} = ssrf.NewGuard(nil)

var checkURLCmd = &cobra.Command{
	Use:   "check-url [url]",
	Short: "Check whether a URL may receive webhooks",
	Long: `Run the origin guard against a URL: https only, no credentials, and every
resolved address must be public. Exits non-zero when the URL is rejected.

Example:
  kmhookctl check-url https://hooks.example.com/km`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		v := guard.Check(ctx, args[0])
		if outputJSON {
			out := map[string]any{"url": args[0], "safe": v.Safe}
			if v.Safe {
				out["address"] = v.Addr.String()
				out["family"] = v.Family
			} else {
				out["reason"] = v.Reason
			}
			if err := printOutput(cmd.OutOrStdout(), out); err != nil {
				return err
			}
		} else if v.Safe {
			fmt.Fprintf(cmd.OutOrStdout(), "OK %s -> %s (IPv%d)\n", args[0], v.Addr, v.Family)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "REJECTED %s: %s\n", args[0], v.Reason)
		}
		if !v.Safe {
			return fmt.Errorf("url rejected: %s", v.Reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkURLCmd)
}
