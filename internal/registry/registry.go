package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/austindbirch/kmhook/internal/db"
	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
	"github.com/austindbirch/kmhook/internal/secrets"
)

var (
	ErrInvalidURL    = errors.New("url must be a public https url")
	ErrInvalidEvents = errors.New("invalid events")
	ErrUserRequired  = errors.New("user id is required")
	ErrNotFound      = db.ErrNotFound
)

// Store persists subscriptions. *db.Subscriptions satisfies it.
type Store interface {
	ListByUser(ctx context.Context, userID string) ([]delivery.Subscription, error)
	Get(ctx context.Context, id, userID string) (delivery.Subscription, error)
	Create(ctx context.Context, sub delivery.Subscription, secretHash string) (delivery.Subscription, error)
	Delete(ctx context.Context, id, userID string) error
	UpdateSecret(ctx context.Context, id, userID, secretEncrypted, secretHash string) error
	SetActive(ctx context.Context, id, userID string, active bool) error
}

// LogReader reads delivery logs. *db.DeliveryLogs satisfies it.
type LogReader interface {
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]delivery.Attempt, error)
}

// Sealer encrypts signing secrets. *secrets.Cipher satisfies it.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// Service manages webhook subscriptions on behalf of their owners.
type Service struct {
	store  Store
	logs   LogReader
	cipher Sealer
	guard  delivery.OriginChecker
	logger *logging.Logger
}

func NewService(store Store, logs LogReader, cipher Sealer, guard delivery.OriginChecker, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, logs: logs, cipher: cipher, guard: guard, logger: logger}
}

// Created is returned once on registration. Secret is never retrievable again.
type Created struct {
	Subscription delivery.Subscription `json:"subscription"`
	Secret       string                `json:"secret"`
}

// Create registers rawURL for events on behalf of userID and returns the new
// plaintext signing secret.
func (s *Service) Create(ctx context.Context, userID, rawURL string, events []string) (Created, error) {
	if strings.TrimSpace(userID) == "" {
		return Created{}, ErrUserRequired
	}
	events, err := normalizeEvents(events)
	if err != nil {
		return Created{}, err
	}
	if v := s.guard.Check(ctx, rawURL); !v.Safe {
		metrics.RecordOriginRejection(string(v.Reason))
		return Created{}, fmt.Errorf("%w (%s)", ErrInvalidURL, v.Reason)
	}

	secret, encrypted, hash, err := s.newSecret()
	if err != nil {
		return Created{}, err
	}
	sub, err := s.store.Create(ctx, delivery.Subscription{
		UserID:          userID,
		URL:             rawURL,
		Events:          events,
		SecretEncrypted: encrypted,
	}, hash)
	if err != nil {
		return Created{}, err
	}

	s.logger.WithContext(ctx).WithUser(userID).WithSubscription(sub.ID).
		WithField("events", events).Info("webhook subscription created")
	return Created{Subscription: sub, Secret: secret}, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]delivery.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	return s.store.ListByUser(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id, userID); err != nil {
		return err
	}
	s.logger.WithContext(ctx).WithUser(userID).WithSubscription(id).Info("webhook subscription deleted")
	return nil
}

// RotateSecret replaces the signing secret, reactivates the subscription and
// returns the new plaintext secret.
func (s *Service) RotateSecret(ctx context.Context, userID, id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	secret, encrypted, hash, err := s.newSecret()
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateSecret(ctx, id, userID, encrypted, hash); err != nil {
		return "", err
	}
	s.logger.WithContext(ctx).WithUser(userID).WithSubscription(id).Info("webhook signing secret rotated")
	return secret, nil
}

func (s *Service) SetActive(ctx context.Context, userID, id string, active bool) error {
	if err := checkID(id); err != nil {
		return err
	}
	return s.store.SetActive(ctx, id, userID, active)
}

// Deliveries lists recent failed and dead attempts for a subscription owned by userID.
func (s *Service) Deliveries(ctx context.Context, userID, id string, limit int) ([]delivery.Attempt, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.logs.ListBySubscription(ctx, id, limit)
}

func (s *Service) newSecret() (secret, encrypted, hash string, err error) {
	secret, err = secrets.NewSigningSecret()
	if err != nil {
		return "", "", "", err
	}
	encrypted, err = s.cipher.Encrypt(secret)
	if err != nil {
		return "", "", "", fmt.Errorf("encrypt signing secret: %w", err)
	}
	return secret, encrypted, secrets.HashSecret(secret), nil
}

// normalizeEvents validates names and drops duplicates, keeping order.
func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: at least one of %s", ErrInvalidEvents, strings.Join(delivery.Events, ", "))
	}
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	var bad []string
	for _, e := range events {
		e = strings.TrimSpace(e)
		if !delivery.ValidEvent(e) {
			bad = append(bad, e)
			continue
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("%w: %s (valid: %s)", ErrInvalidEvents, strings.Join(bad, ", "), strings.Join(delivery.Events, ", "))
	}
	return out, nil
}

// checkID rejects ids that cannot exist so they never reach the uuid column.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return nil
}
