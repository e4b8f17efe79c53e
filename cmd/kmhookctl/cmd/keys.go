package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/kmhook/internal/secrets"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a WEBHOOK_SIGNING_KEY",
	Long: `Generate a random 32-byte key, hex encoded, for encrypting subscription
signing secrets at rest. Set it as WEBHOOK_SIGNING_KEY on ingest and worker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), map[string]string{"signing_key": key})
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Encrypt or decrypt subscription signing secrets",
	Long: `Encrypt or decrypt values in the format stored in
webhook_subscriptions.secret_encrypted. The key comes from --key or
WEBHOOK_SIGNING_KEY.`,
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt [plaintext]",
	Short: "Encrypt a secret; generates a new whsec_ secret when none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cipherFromFlags(cmd)
		if err != nil {
			return err
		}
		plaintext := ""
		if len(args) == 1 {
			plaintext = args[0]
		} else if plaintext, err = secrets.NewSigningSecret(); err != nil {
			return err
		}
		sealed, err := c.Encrypt(plaintext)
		if err != nil {
			return err
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), map[string]string{
				"secret":           plaintext,
				"secret_encrypted": sealed,
				"secret_hash":      secrets.HashSecret(plaintext),
			})
		}
		if len(args) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Secret:    %s\n", plaintext)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Encrypted: %s\n", sealed)
		fmt.Fprintf(cmd.OutOrStdout(), "Hash:      %s\n", secrets.HashSecret(plaintext))
		return nil
	},
}

var secretDecryptCmd = &cobra.Command{
	Use:   "decrypt [ciphertext]",
	Short: "Decrypt a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cipherFromFlags(cmd)
		if err != nil {
			return err
		}
		plaintext, err := c.Decrypt(args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), map[string]string{"secret": plaintext})
		}
		fmt.Fprintln(cmd.OutOrStdout(), plaintext)
		return nil
	},
}

func cipherFromFlags(cmd *cobra.Command) (*secrets.Cipher, error) {
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		key = viper.GetString("signing_key")
	}
	if key == "" {
		return nil, fmt.Errorf("no signing key: pass --key or set WEBHOOK_SIGNING_KEY")
	}
	return secrets.New(key)
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretEncryptCmd)
	secretCmd.AddCommand(secretDecryptCmd)
	secretCmd.PersistentFlags().String("key", "", "64-character hex signing key (default $WEBHOOK_SIGNING_KEY)")
}
