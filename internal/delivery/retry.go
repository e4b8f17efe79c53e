package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
	"github.com/austindbirch/kmhook/internal/tracing"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultJitterPct   = 0.10

	logWriteTimeout = 5 * time.Second
)

// Sender makes a single attempt. *Dispatcher satisfies it.
type Sender interface {
	Dispatch(ctx context.Context, sub Subscription, p Payload) Result
}

// LogSink stores delivery-log rows.
type LogSink interface {
	Append(ctx context.Context, a Attempt) error
}

// Outcome summarizes a full retry sequence.
type Outcome struct {
	Attempts  int
	Delivered bool
	Last      Result
}

// Retrier runs bounded, classified retries around a Sender and records every
// unsuccessful attempt to a LogSink without waiting for the write.
type Retrier struct {
	sender      Sender
	sink        LogSink
	logger      *logging.Logger
	maxAttempts int
	baseDelay   time.Duration
	jitterPct   float64
	sleep       func(time.Duration)
	jitter      func() float64 // uniform in [-1, 1)
	now         func() time.Time

	pending sync.WaitGroup
}

type RetrierOption func(*Retrier)

func WithMaxAttempts(n int) RetrierOption {
	return func(r *Retrier) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the jitter fraction.
func WithBackoff(base time.Duration, jitterPct float64) RetrierOption {
	return func(r *Retrier) {
		if base > 0 {
			r.baseDelay = base
		}
		if jitterPct >= 0 && jitterPct < 1 {
			r.jitterPct = jitterPct
		}
	}
}

// WithSleep replaces time.Sleep between attempts.
func WithSleep(fn func(time.Duration)) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithJitter replaces the random source; fn must return values in [-1, 1).
func WithJitter(fn func() float64) RetrierOption {
	return func(r *Retrier) { r.jitter = fn }
}

func NewRetrier(sender Sender, sink LogSink, logger *logging.Logger, opts ...RetrierOption) *Retrier {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Retrier{
		sender:      sender,
		sink:        sink,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		jitterPct:   DefaultJitterPct,
		sleep:       time.Sleep,
		jitter:      func() float64 { return rand.Float64()*2 - 1 },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DispatchWithRetry delivers p to sub with up to maxAttempts attempts.
// Success stops immediately and logs nothing. A permanent failure is logged as
// dead and stops. Other failures are logged as failed and retried after
// base*2^(attempt-1) with jitter, and the last one is logged as dead.
//
// The sequence is detached from ctx cancellation: once started it runs to
// completion or exhaustion.
func (r *Retrier) DispatchWithRetry(ctx context.Context, sub Subscription, p Payload) Outcome {
	ctx = context.WithoutCancel(ctx)

	var out Outcome
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res := r.sender.Dispatch(ctx, sub, p)
		out.Attempts, out.Last = attempt, res
		if res.Success {
			out.Delivered = true
			return out
		}

		entry := r.logger.WithContext(ctx).
			WithSubscription(sub.ID).
			WithEvent(p.Event).
			WithAttempt(attempt).
			WithField("result", res.Label())

		if res.Permanent() {
			entry.Warnf("webhook delivery permanently failed: %s", res.Message())
			r.record(ctx, sub, p, attempt, StatusDead, res)
			metrics.RecordDead(res.Label())
			return out
		}

		if attempt == r.maxAttempts {
			entry.Errorf("webhook delivery failed after %d attempts: %s", attempt, res.Message())
			r.record(ctx, sub, p, attempt, StatusDead, res)
			metrics.RecordDead(res.Label())
			return out
		}

		delay := r.backoff(attempt)
		entry.WithField("delay", delay.String()).Warnf("webhook delivery failed, retrying: %s", res.Message())
		r.record(ctx, sub, p, attempt, StatusFailed, res)
		metrics.RecordRetry(res.Label())
		tracing.AddSpanEvent(ctx, "delivery.retry_scheduled",
			attribute.Int("attempt", attempt),
			attribute.String("delay", delay.String()),
		)
		r.sleep(delay)
	}
	return out
}

// Wait blocks until every pending log write has finished.
func (r *Retrier) Wait() {
	r.pending.Wait()
}

func (r *Retrier) backoff(attempt int) time.Duration {
	base := r.baseDelay << (attempt - 1)
	j := 1 + r.jitter()*r.jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// record writes the attempt in the background. Sink errors and panics are
// reported to the logger and never reach the retry loop.
func (r *Retrier) record(ctx context.Context, sub Subscription, p Payload, attempt int, status Status, res Result) {
	if r.sink == nil {
		return
	}
	a := Attempt{
		SubscriptionID: sub.ID,
		Event:          p.Event,
		Attempt:        attempt,
		Status:         status,
		StatusCode:     res.StatusCode,
		ErrorMessage:   res.Message(),
		Payload:        loggedPayload(p),
		CreatedAt:      r.now().UTC(),
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logWriteFailed(ctx, a, fmt.Errorf("panic: %v", rec))
			}
		}()

		wctx, cancel := context.WithTimeout(ctx, logWriteTimeout)
		defer cancel()
		if err := r.sink.Append(wctx, a); err != nil {
			r.logWriteFailed(ctx, a, err)
		}
	}()
}

func (r *Retrier) logWriteFailed(ctx context.Context, a Attempt, err error) {
	metrics.RecordLogWriteFailure()
	r.logger.WithContext(ctx).
		WithSubscription(a.SubscriptionID).
		WithEvent(a.Event).
		WithAttempt(a.Attempt).
		WithField("status", string(a.Status)).
		WithError(err).
		Error("delivery log write failed")
}
