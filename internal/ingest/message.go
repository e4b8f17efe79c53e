package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/tracing"
)

// DefaultTopic carries marketplace events from ingest to the fan-out workers.
const DefaultTopic = "webhook_events"

var (
	ErrInvalidEvent = errors.New("unknown event")
	ErrInvalidData  = errors.New("data must be valid JSON")
	ErrUserRequired = errors.New("user id is required")
)

// EventMessage is the NSQ body for one marketplace event.
type EventMessage struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Event        string            `json:"event"`
	Data         json.RawMessage   `json:"data"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
	PublishedAt  time.Time         `json:"published_at"`
}

// NewEventMessage validates the event and stamps an id. Empty data becomes {}.
func NewEventMessage(userID, event string, data json.RawMessage, now time.Time) (EventMessage, error) {
	if strings.TrimSpace(userID) == "" {
		return EventMessage{}, ErrUserRequired
	}
	if !delivery.ValidEvent(event) {
		return EventMessage{}, fmt.Errorf("%w %q (valid: %s)", ErrInvalidEvent, event, strings.Join(delivery.Events, ", "))
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if !json.Valid(data) {
		return EventMessage{}, ErrInvalidData
	}
	return EventMessage{
		ID:          uuid.NewString(),
		UserID:      userID,
		Event:       event,
		Data:        data,
		PublishedAt: now.UTC(),
	}, nil
}

// EventPublisher puts events on NSQ for the worker.
type EventPublisher struct {
	producer delivery.Publisher
	topic    string
	now      func() time.Time
}

// NewEventPublisher wraps producer, usually an *nsq.Producer.
func NewEventPublisher(producer delivery.Publisher, topic string) *EventPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &EventPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *EventPublisher) Publish(ctx context.Context, userID, event string, data json.RawMessage) (EventMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.publish",
		attribute.String("event", event),
		attribute.String("topic", p.topic),
	)
	defer span.End()

	msg, err := NewEventMessage(userID, event, data, p.now())
	if err != nil {
		return EventMessage{}, err
	}
	msg.TraceHeaders = tracing.InjectHeaders(ctx)
	span.SetAttributes(attribute.String("event.id", msg.ID))

	body, err := json.Marshal(msg)
	if err != nil {
		return EventMessage{}, fmt.Errorf("encode event message: %w", err)
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return EventMessage{}, fmt.Errorf("nsq publish %s: %w", p.topic, err)
	}
	return msg, nil
}
