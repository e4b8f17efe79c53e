package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
)

type fireCall struct {
	userID string
	event  string
	data   string
}

type recordingFirer struct {
	mu    sync.Mutex
	calls []fireCall
}

func (f *recordingFirer) Fire(_ context.Context, userID, event string, data any) int {
	raw, _ := json.Marshal(data)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fireCall{userID: userID, event: event, data: string(raw)})
	return 1
}

func nsqMessage(t *testing.T, body []byte) *nsq.Message {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	return nsq.NewMessage(id, body)
}

func TestConsumer_HandleMessage(t *testing.T) {
	valid, err := json.Marshal(EventMessage{ID: "e1", UserID: "u1", Event: "review.created", Data: json.RawMessage(`{"rating":5}`)})
	if err != nil {
		t.Fatal(err)
	}
	unknown, _ := json.Marshal(EventMessage{ID: "e2", UserID: "u1", Event: "order.shipped"})
	noUser, _ := json.Marshal(EventMessage{ID: "e3", Event: "review.created"})

	tests := []struct {
		name      string
		body      []byte
		wantCalls []fireCall
	}{
		{name: "valid message fires", body: valid, wantCalls: []fireCall{{userID: "u1", event: "review.created", data: `{"rating":5}`}}},
		{name: "malformed json dropped", body: []byte("{not json")},
		{name: "unknown event dropped", body: unknown},
		{name: "missing user dropped", body: noUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			firer := &recordingFirer{}
			c := NewConsumer(context.Background(), firer, quietLogger())

			if err := c.HandleMessage(nsqMessage(t, tt.body)); err != nil {
				t.Errorf("HandleMessage() error = %v, want nil", err)
			}
			if len(firer.calls) != len(tt.wantCalls) {
				t.Fatalf("Fire() calls = %+v, want %+v", firer.calls, tt.wantCalls)
			}
			for i := range tt.wantCalls {
				if firer.calls[i] != tt.wantCalls[i] {
					t.Errorf("call %d = %+v, want %+v", i, firer.calls[i], tt.wantCalls[i])
				}
			}
		})
	}
}

type touchCounter struct {
	touches atomic.Int32
}

func (d *touchCounter) OnFinish(*nsq.Message) {}

func (d *touchCounter) OnRequeue(*nsq.Message, time.Duration, bool) {}

func (d *touchCounter) OnTouch(*nsq.Message) { d.touches.Add(1) }

// slowFirer blocks like a fan-out waiting on slow endpoints.
type slowFirer struct {
	delay time.Duration
}

func (f slowFirer) Fire(context.Context, string, string, any) int {
	time.Sleep(f.delay)
	return 1
}

func TestConsumer_TouchesDuringLongFanout(t *testing.T) {
	body, _ := json.Marshal(EventMessage{ID: "e1", UserID: "u1", Event: "purchase.completed"})
	m := nsqMessage(t, body)
	delegate := &touchCounter{}
	m.Delegate = delegate

	c := NewConsumer(context.Background(), slowFirer{delay: 100 * time.Millisecond}, quietLogger(),
		WithTouchInterval(10*time.Millisecond))
	if err := c.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	got := delegate.touches.Load()
	if got < 2 {
		t.Errorf("touches during fan-out = %d, want at least 2", got)
	}
	time.Sleep(50 * time.Millisecond)
	if after := delegate.touches.Load(); after != got {
		t.Errorf("touches after HandleMessage returned = %d, want %d", after, got)
	}
}

func TestConsumer_TouchDisabled(t *testing.T) {
	body, _ := json.Marshal(EventMessage{ID: "e1", UserID: "u1", Event: "purchase.completed"})
	m := nsqMessage(t, body)
	delegate := &touchCounter{}
	m.Delegate = delegate

	c := NewConsumer(context.Background(), slowFirer{delay: 30 * time.Millisecond}, quietLogger(),
		WithTouchInterval(0))
	if err := c.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if got := delegate.touches.Load(); got != 0 {
		t.Errorf("touches = %d, want 0", got)
	}
}
