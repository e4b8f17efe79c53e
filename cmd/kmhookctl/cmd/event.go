package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/kmhook/internal/config"
	"github.com/austindbirch/kmhook/internal/db"
	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/pipeline"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Fire marketplace events",
}

var eventFireCmd = &cobra.Command{
	Use:   "fire [event] [data-json]",
	Short: "Fire an event to every matching subscription",
	Long: `Fire a marketplace event. By default the event is sent to the ingest API and
delivered by the worker. With --direct the fan-out runs in this process
against the database from DB_* and WEBHOOK_SIGNING_KEY, and the command
waits for every delivery sequence to finish.

Examples:
  kmhookctl event fire purchase.completed '{"item_id":"k1","amount":1.5}'
  kmhookctl event fire review.created '{"rating":5}' --direct --user user-42`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		event := args[0]
		if !delivery.ValidEvent(event) {
			return fmt.Errorf("unknown event %q", event)
		}
		data := json.RawMessage(`{}`)
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("invalid data JSON")
			}
			data = json.RawMessage(args[1])
		}

		direct, _ := cmd.Flags().GetBool("direct")
		if direct {
			userID, _ := cmd.Flags().GetString("user")
			return fireDirect(cmd, userID, event, data)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp struct {
			EventID string `json:"event_id"`
		}
		body := map[string]any{"event": event, "data": data}
		if err := newAPIClient().do(ctx, http.MethodPost, "/v1/events", body, &resp); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued event: %s\n", resp.EventID)
		return nil
	},
}

func fireDirect(cmd *cobra.Command, userID, event string, data json.RawMessage) error {
	if userID == "" {
		return fmt.Errorf("--user is required with --direct")
	}
	cfg := config.FromEnv()
	if k := viper.GetString("signing_key"); k != "" {
		cfg.Webhook.SigningKey = k
	}

	logger := logging.New("kmhookctl")
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		logger.SetOutput(io.Discard)
	}

	ctx := cmd.Context()
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()

	p, err := pipeline.Build(cfg.Webhook, cfg.NSQ.DLQTopic, pool, nil, logger)
	if err != nil {
		return err
	}
	n := p.Fanout.Fire(ctx, userID, event, data)
	p.Retrier.Wait()

	if outputJSON {
		return printOutput(cmd.OutOrStdout(), map[string]any{"event": event, "subscriptions": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Fired %s to %d subscription(s)\n", event, n)
	return nil
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventFireCmd)

	eventFireCmd.Flags().Bool("direct", false, "run the fan-out in-process instead of going through ingest")
	eventFireCmd.Flags().String("user", "", "owner of the subscriptions (required with --direct)")
	eventFireCmd.Flags().BoolP("verbose", "v", false, "print delivery logs with --direct")
}
