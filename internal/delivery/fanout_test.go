package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type staticSource struct {
	subs              []Subscription
	err               error
	calls             atomic.Int32
	gotUser, gotEvent string
}

func (s *staticSource) ListActive(_ context.Context, userID, event string) ([]Subscription, error) {
	s.calls.Add(1)
	s.gotUser, s.gotEvent = userID, event
	return s.subs, s.err
}

// countingDeliverer tracks concurrent sequences and the payloads it saw.
type countingDeliverer struct {
	delay   time.Duration
	panicOn string

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	done     atomic.Int32

	mu       sync.Mutex
	payloads []Payload
	seen     map[string]int
}

func (d *countingDeliverer) DispatchWithRetry(_ context.Context, sub Subscription, p Payload) Outcome {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	d.mu.Lock()
	d.payloads = append(d.payloads, p)
	if d.seen == nil {
		d.seen = make(map[string]int)
	}
	d.seen[sub.ID]++
	d.mu.Unlock()

	if sub.ID == d.panicOn {
		panic("deliverer blew up")
	}
	time.Sleep(d.delay)
	d.done.Add(1)
	return Outcome{Attempts: 1, Delivered: true}
}

func makeSubs(n int) []Subscription {
	subs := make([]Subscription, n)
	for i := range subs {
		subs[i] = Subscription{ID: fmt.Sprintf("sub-%02d", i), URL: "https://hooks.example.com", SecretEncrypted: "x"}
	}
	return subs
}

func TestFanout_BoundedConcurrency(t *testing.T) {
	source := &staticSource{subs: makeSubs(15)}
	deliverer := &countingDeliverer{delay: 20 * time.Millisecond}
	f := NewFanout(source, deliverer, quietLogger(), WithConcurrency(10))

	n := f.Fire(context.Background(), "user-1", EventPurchaseCompleted, map[string]any{"item_id": "k1"})

	if n != 15 {
		t.Errorf("Fire() = %d, want 15", n)
	}
	if got := deliverer.done.Load(); got != 15 {
		t.Errorf("completed = %d, want 15", got)
	}
	if got := deliverer.maxSeen.Load(); got > 10 {
		t.Errorf("max in flight = %d, want <= 10", got)
	}
	for id, count := range deliverer.seen {
		if count != 1 {
			t.Errorf("%s delivered %d times, want 1", id, count)
		}
	}
	if source.gotUser != "user-1" || source.gotEvent != EventPurchaseCompleted {
		t.Errorf("ListActive(%q, %q), want user-1 and %s", source.gotUser, source.gotEvent, EventPurchaseCompleted)
	}
}

func TestFanout_PoolSmallerThanLimit(t *testing.T) {
	deliverer := &countingDeliverer{delay: 10 * time.Millisecond}
	f := NewFanout(&staticSource{subs: makeSubs(3)}, deliverer, quietLogger())

	if n := f.Fire(context.Background(), "user-1", EventReviewCreated, nil); n != 3 {
		t.Errorf("Fire() = %d, want 3", n)
	}
	if got := deliverer.maxSeen.Load(); got > 3 {
		t.Errorf("max in flight = %d, want <= 3", got)
	}
}

func TestFanout_SharedPayload(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	deliverer := &countingDeliverer{}
	f := NewFanout(&staticSource{subs: makeSubs(4)}, deliverer, quietLogger(), WithClock(func() time.Time { return now }))

	f.Fire(context.Background(), "user-1", EventListingPublished, map[string]string{"listing_id": "L1"})

	if len(deliverer.payloads) != 4 {
		t.Fatalf("payloads = %d, want 4", len(deliverer.payloads))
	}
	for _, p := range deliverer.payloads {
		if p.Event != EventListingPublished || p.Timestamp != "2026-03-04T05:06:07.008Z" || string(p.Data) != `{"listing_id":"L1"}` {
			t.Errorf("payload = %+v %s", p, p.Data)
		}
	}
}

func TestFanout_NothingToDo(t *testing.T) {
	tests := []struct {
		name   string
		source *staticSource
	}{
		{name: "registry error", source: &staticSource{err: errors.New("connection refused")}},
		{name: "no subscriptions", source: &staticSource{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deliverer := &countingDeliverer{}
			f := NewFanout(tt.source, deliverer, quietLogger())

			if n := f.Fire(context.Background(), "user-1", EventPurchaseCompleted, nil); n != 0 {
				t.Errorf("Fire() = %d, want 0", n)
			}
			if tt.source.calls.Load() != 1 {
				t.Errorf("ListActive calls = %d, want 1", tt.source.calls.Load())
			}
			if len(deliverer.payloads) != 0 {
				t.Errorf("delivered %d, want 0", len(deliverer.payloads))
			}
		})
	}
}

func TestFanout_UnencodableData(t *testing.T) {
	deliverer := &countingDeliverer{}
	f := NewFanout(&staticSource{subs: makeSubs(2)}, deliverer, quietLogger())

	if n := f.Fire(context.Background(), "user-1", EventPurchaseCompleted, func() {}); n != 0 {
		t.Errorf("Fire() = %d, want 0", n)
	}
	if len(deliverer.payloads) != 0 {
		t.Errorf("delivered %d, want 0", len(deliverer.payloads))
	}
}

func TestFanout_PanicIsolated(t *testing.T) {
	deliverer := &countingDeliverer{panicOn: "sub-03"}
	f := NewFanout(&staticSource{subs: makeSubs(8)}, deliverer, quietLogger(), WithConcurrency(2))

	n := f.Fire(context.Background(), "user-1", EventPurchaseCompleted, nil)
	if n != 8 {
		t.Errorf("Fire() = %d, want 8", n)
	}
	if got := deliverer.done.Load(); got != 7 {
		t.Errorf("completed = %d, want 7", got)
	}
}

func TestFanout_EndToEndWithRetrier(t *testing.T) {
	sink := &memorySink{}
	sender := &scriptedSender{results: []Result{{Reason: ReasonNoSigningSecret}}}
	r := newTestRetrier(sender, sink, &sleepRecorder{})
	f := NewFanout(&staticSource{subs: makeSubs(5)}, r, quietLogger())

	f.Fire(context.Background(), "user-1", EventPurchaseCompleted, nil)
	r.Wait()

	if sender.calls != 5 {
		t.Errorf("dispatches = %d, want 5", sender.calls)
	}
	if got := len(sink.statuses()); got != 5 {
		t.Errorf("logged = %d, want 5", got)
	}
}
