package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/tracing"
)

// Firer is satisfied by *delivery.Fanout.
type Firer interface {
	Fire(ctx context.Context, userID, event string, data any) int
}

// DefaultTouchInterval is half of go-nsq's default message timeout.
const DefaultTouchInterval = 30 * time.Second

// Consumer turns webhook_events messages into fan-outs. It implements nsq.Handler.
type Consumer struct {
	fanout Firer
	logger *logging.Logger
	base   context.Context
	touch  time.Duration
}

type ConsumerOption func(*Consumer)

// WithTouchInterval sets how often an in-progress message is touched so nsqd
// does not requeue it while its fan-out is still running. Zero disables touching.
func WithTouchInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d >= 0 {
			c.touch = d
		}
	}
}

func NewConsumer(ctx context.Context, fanout Firer, logger *logging.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Consumer{fanout: fanout, logger: logger, base: ctx, touch: DefaultTouchInterval}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleMessage always acknowledges. Malformed messages are dropped since
// redelivery cannot fix them, and per-subscription retries happen inside Fire.
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	var msg EventMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		c.logger.Plain().WithError(err).WithField("nsq_attempts", m.Attempts).Error("bad event message")
		return nil
	}
	if msg.UserID == "" || !delivery.ValidEvent(msg.Event) {
		c.logger.Plain().WithUser(msg.UserID).WithEvent(msg.Event).
			WithField("event_id", msg.ID).Warn("dropping event message")
		return nil
	}

	ctx := tracing.ExtractHeaders(c.base, msg.TraceHeaders)
	stop := c.keepAlive(m)
	defer stop()
	n := c.fanout.Fire(ctx, msg.UserID, msg.Event, msg.Data)
	c.logger.WithContext(ctx).WithUser(msg.UserID).WithEvent(msg.Event).
		WithField("event_id", msg.ID).WithField("subscriptions", n).Debug("event fanned out")
	return nil
}

// keepAlive touches m every touch interval until the returned func is called.
func (c *Consumer) keepAlive(m *nsq.Message) func() {
	if c.touch <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(c.touch)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				m.Touch()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
