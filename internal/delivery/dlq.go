package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DeadLetterType = "webhook.dead"

// Publisher sends a message to a topic. *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DeadLetter is the envelope published for every delivery marked dead.
type DeadLetter struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`    // "webhook.dead"
	Version string  `json:"version"` // schema version
	At      string  `json:"at"`      // RFC3339
	Attempt Attempt `json:"attempt"`
}

func NewDeadLetter(a Attempt, at time.Time) DeadLetter {
	return DeadLetter{
		ID:      uuid.NewString(),
		Type:    DeadLetterType,
		Version: "v1",
		At:      at.UTC().Format(time.RFC3339Nano),
		Attempt: a,
	}
}

// DeadLetterSink is a LogSink that publishes dead attempts and ignores the rest.
type DeadLetterSink struct {
	producer Publisher
	topic    string
}

func NewDeadLetterSink(producer Publisher, topic string) *DeadLetterSink {
	return &DeadLetterSink{producer: producer, topic: topic}
}

func (s *DeadLetterSink) Append(_ context.Context, a Attempt) error {
	if a.Status != StatusDead {
		return nil
	}
	b, err := json.Marshal(NewDeadLetter(a, time.Now()))
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := s.producer.Publish(s.topic, b); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", s.topic, err)
	}
	return nil
}

// MultiSink appends to every sink and joins their errors.
type MultiSink []LogSink

func (m MultiSink) Append(ctx context.Context, a Attempt) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
