package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/kmhook/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the ingest API (development)",
	Long: `Sign an RS256 JWT with the given private key. The sub claim becomes the
user id that owns subscriptions and events.

Example:
  export JWT_TOKEN=$(kmhookctl token --private-key dev/jwt.key --sub user-42)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("private-key")
		sub, _ := cmd.Flags().GetString("sub")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if keyPath == "" || sub == "" {
			return fmt.Errorf("--private-key and --sub are required")
		}

		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return err
		}
		key, err := auth.ParsePrivateKey(string(pem))
		if err != nil {
			return err
		}
		token, err := auth.Mint(key, issuer, audience, sub, ttl)
		if err != nil {
			return err
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), map[string]any{"token": token, "expires_in": int(ttl.Seconds())})
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("private-key", "", "PEM RSA private key")
	tokenCmd.Flags().String("sub", "", "user id")
	tokenCmd.Flags().String("issuer", "knowledge-market", "iss claim")
	tokenCmd.Flags().String("audience", "kmhook", "aud claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
