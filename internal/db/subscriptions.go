package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/kmhook/internal/delivery"
)

const subscriptionColumns = `id::text, user_id, url, events, COALESCE(secret_encrypted, ''), active, created_at`

// Subscriptions is the webhook subscription registry.
type Subscriptions struct {
	q Querier
}

func NewSubscriptions(q Querier) *Subscriptions {
	return &Subscriptions{q: q}
}

// ListActive returns active subscriptions of userID that include event.
// Filtering happens in SQL.
func (s *Subscriptions) ListActive(ctx context.Context, userID, event string) ([]delivery.Subscription, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE user_id = $1 AND active AND $2 = ANY(events)
		ORDER BY created_at`,
		userID, event,
	)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListByUser returns every subscription of userID, newest first.
func (s *Subscriptions) ListByUser(ctx context.Context, userID string) ([]delivery.Subscription, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// Get returns the subscription id owned by userID.
func (s *Subscriptions) Get(ctx context.Context, id, userID string) (delivery.Subscription, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Subscription{}, ErrNotFound
	}
	if err != nil {
		return delivery.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// Create inserts sub with its encrypted secret and secret hash and returns the stored row.
func (s *Subscriptions) Create(ctx context.Context, sub delivery.Subscription, secretHash string) (delivery.Subscription, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions(user_id, url, events, secret_encrypted, secret_hash, active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING `+subscriptionColumns,
		sub.UserID, sub.URL, sub.Events, sub.SecretEncrypted, secretHash,
	)
	created, err := scanSubscription(row)
	if err != nil {
		return delivery.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return created, nil
}

// Delete removes subscription id if userID owns it.
func (s *Subscriptions) Delete(ctx context.Context, id, userID string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSecret replaces the signing secret and reactivates the subscription.
func (s *Subscriptions) UpdateSecret(ctx context.Context, id, userID, secretEncrypted, secretHash string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET secret_encrypted = $3, secret_hash = $4, active = true, updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		id, userID, secretEncrypted, secretHash,
	)
	if err != nil {
		return fmt.Errorf("update subscription secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive pauses or resumes delivery to a subscription.
func (s *Subscriptions) SetActive(ctx context.Context, id, userID string, active bool) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET active = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		id, userID, active,
	)
	if err != nil {
		return fmt.Errorf("update subscription state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row pgx.Row) (delivery.Subscription, error) {
	var sub delivery.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Events, &sub.SecretEncrypted, &sub.Active, &sub.CreatedAt)
	return sub, err
}

func collectSubscriptions(rows pgx.Rows) ([]delivery.Subscription, error) {
	defer rows.Close()
	var subs []delivery.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}
