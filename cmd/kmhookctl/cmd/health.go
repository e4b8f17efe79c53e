package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/kmhook/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long:  `Query /healthz on the ingest API and report the service and database status.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var st health.Status
		err := newAPIClient().do(ctx, http.MethodGet, "/healthz", nil, &st)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy: %v\n", err)
			return err
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), st)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Service is healthy (database: %v)\n", st.Database)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
