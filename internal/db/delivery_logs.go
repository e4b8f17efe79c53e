package db

import (
	"context"
	"fmt"

	"github.com/austindbirch/kmhook/internal/delivery"
)

// DeliveryLogs stores unsuccessful delivery attempts. It satisfies delivery.LogSink.
type DeliveryLogs struct {
	q Querier
}

func NewDeliveryLogs(q Querier) *DeliveryLogs {
	return &DeliveryLogs{q: q}
}

func (l *DeliveryLogs) Append(ctx context.Context, a delivery.Attempt) error {
	_, err := l.q.Exec(ctx, `
		INSERT INTO webhook_delivery_logs(subscription_id, event, attempt, status, status_code, error_message, payload, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, ''), $7::jsonb, $8)`,
		a.SubscriptionID, a.Event, a.Attempt, string(a.Status), a.StatusCode, a.ErrorMessage, string(a.Payload), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// ListBySubscription returns the newest limit log rows for subscriptionID.
func (l *DeliveryLogs) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]delivery.Attempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.q.Query(ctx, `
		SELECT subscription_id::text, event, attempt, status, COALESCE(status_code, 0), COALESCE(error_message, ''), payload::text, created_at
		FROM webhook_delivery_logs
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a       delivery.Attempt
			status  string
			payload string
		)
		if err := rows.Scan(&a.SubscriptionID, &a.Event, &a.Attempt, &status, &a.StatusCode, &a.ErrorMessage, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		a.Status = delivery.Status(status)
		a.Payload = []byte(payload)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery logs: %w", err)
	}
	return out, nil
}
