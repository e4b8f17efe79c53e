package delivery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
	"github.com/austindbirch/kmhook/internal/tracing"
)

const DefaultConcurrency = 10

// SubscriptionSource lists active subscriptions of userID that include event.
type SubscriptionSource interface {
	ListActive(ctx context.Context, userID, event string) ([]Subscription, error)
}

// Deliverer runs one subscription's full delivery sequence. *Retrier satisfies it.
type Deliverer interface {
	DispatchWithRetry(ctx context.Context, sub Subscription, p Payload) Outcome
}

// Fanout delivers one event to every matching subscription through a bounded worker pool.
type Fanout struct {
	source    SubscriptionSource
	deliverer Deliverer
	logger    *logging.Logger
	limit     int
	now       func() time.Time
}

type FanoutOption func(*Fanout)

func WithConcurrency(n int) FanoutOption {
	return func(f *Fanout) {
		if n > 0 {
			f.limit = n
		}
	}
}

// WithClock sets the source of payload timestamps.
func WithClock(now func() time.Time) FanoutOption {
	return func(f *Fanout) { f.now = now }
}

func NewFanout(source SubscriptionSource, deliverer Deliverer, logger *logging.Logger, opts ...FanoutOption) *Fanout {
	if logger == nil {
		logger = logging.Default()
	}
	f := &Fanout{
		source:    source,
		deliverer: deliverer,
		logger:    logger,
		limit:     DefaultConcurrency,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fire delivers event with data to every active subscription of userID and
// returns how many subscriptions matched. It blocks until every sequence has
// finished. Failures are logged; Fire itself never fails.
func (f *Fanout) Fire(ctx context.Context, userID, event string, data any) int {
	ctx, span := tracing.StartSpan(ctx, "fanout.fire",
		attribute.String("user_id", userID),
		attribute.String("event", event),
	)
	defer span.End()
	log := f.logger.WithContext(ctx).WithUser(userID).WithEvent(event)

	subs, err := f.source.ListActive(ctx, userID, event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("list webhook subscriptions failed")
		return 0
	}
	span.SetAttributes(attribute.Int("subscriptions", len(subs)))
	if len(subs) == 0 {
		return 0
	}

	payload, err := NewPayload(event, data, f.now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("encode webhook payload failed")
		return 0
	}
	metrics.RecordEventFired(event)

	work := make(chan Subscription)
	var g errgroup.Group
	for i := 0; i < min(f.limit, len(subs)); i++ {
		g.Go(func() error {
			for sub := range work {
				f.deliver(ctx, log, sub, payload)
			}
			return nil
		})
	}
	for _, sub := range subs {
		work <- sub
	}
	close(work)
	_ = g.Wait()

	log.WithField("subscriptions", len(subs)).Debug("webhook event fanned out")
	return len(subs)
}

func (f *Fanout) deliver(ctx context.Context, log *logging.LogEntry, sub Subscription, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			log.WithSubscription(sub.ID).WithError(fmt.Errorf("panic: %v", r)).Error("webhook delivery aborted")
		}
	}()
	f.deliverer.DispatchWithRetry(ctx, sub, p)
}
