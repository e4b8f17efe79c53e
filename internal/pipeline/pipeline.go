// Package pipeline assembles the delivery stack used by the worker and the
// CLI's direct fire mode.
package pipeline

import (
	"fmt"

	"github.com/austindbirch/kmhook/internal/config"
	"github.com/austindbirch/kmhook/internal/db"
	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/secrets"
	"github.com/austindbirch/kmhook/internal/ssrf"
)

type Pipeline struct {
	Fanout  *delivery.Fanout
	Retrier *delivery.Retrier
}

// Build wires guard, dispatcher, retrier and fan-out over q. Dead attempts are
// also published to dlqTopic when dlq is non-nil. An unusable signing key is
// returned as an error wrapping secrets.ErrConfig.
func Build(cfg config.Webhook, dlqTopic string, q db.Querier, dlq delivery.Publisher, logger *logging.Logger) (*Pipeline, error) {
	cipher, err := secrets.New(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("WEBHOOK_SIGNING_KEY: %w", err)
	}

	dispatcher := delivery.NewDispatcher(cipher, ssrf.NewGuard(nil), logger,
		delivery.WithTimeout(cfg.Timeout),
		delivery.WithUserAgent(cfg.UserAgent),
	)

	sinks := delivery.MultiSink{db.NewDeliveryLogs(q)}
	if dlq != nil {
		sinks = append(sinks, delivery.NewDeadLetterSink(dlq, dlqTopic))
	}

	retrier := delivery.NewRetrier(dispatcher, sinks, logger,
		delivery.WithMaxAttempts(cfg.MaxAttempts),
		delivery.WithBackoff(cfg.BaseDelay, cfg.JitterPercent),
	)
	fanout := delivery.NewFanout(db.NewSubscriptions(q), retrier, logger,
		delivery.WithConcurrency(cfg.Concurrency),
	)
	return &Pipeline{Fanout: fanout, Retrier: retrier}, nil
}
