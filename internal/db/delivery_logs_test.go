package db

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/kmhook/internal/delivery"
)

func sampleSubscription() delivery.Subscription {
	return delivery.Subscription{
		UserID:          "user-1",
		URL:             "https://hooks.example.com/km",
		Events:          []string{"purchase.completed", "review.created"},
		SecretEncrypted: "aa.bb.cc",
	}
}

func TestDeliveryLogs_Append(t *testing.T) {
	q := &fakeQuerier{tag: pgconn.NewCommandTag("INSERT 0 1")}
	a := delivery.Attempt{
		SubscriptionID: "s1",
		Event:          "purchase.completed",
		Attempt:        2,
		Status:         delivery.StatusFailed,
		StatusCode:     503,
		ErrorMessage:   "HTTP 503",
		Payload:        json.RawMessage(`{"event":"purchase.completed"}`),
		CreatedAt:      created,
	}

	if err := NewDeliveryLogs(q).Append(context.Background(), a); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	want := []any{"s1", "purchase.completed", 2, "failed", 503, "HTTP 503", `{"event":"purchase.completed"}`, created}
	if !reflect.DeepEqual(q.execs[0].args, want) {
		t.Errorf("args = %v, want %v", q.execs[0].args, want)
	}

	boom := errors.New("disk full")
	if err := NewDeliveryLogs(&fakeQuerier{execErr: boom}).Append(context.Background(), a); !errors.Is(err, boom) {
		t.Errorf("Append() error = %v, want wrapped %v", err, boom)
	}
}

func TestDeliveryLogs_ListBySubscription(t *testing.T) {
	rows := &fakeRows{data: [][]any{
		{"s1", "review.created", 3, "dead", 0, "timeout", `{"event":"review.created"}`, created},
	}}
	q := &fakeQuerier{rows: rows}

	logs, err := NewDeliveryLogs(q).ListBySubscription(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("ListBySubscription() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("ListBySubscription() = %v", logs)
	}
	got := logs[0]
	if got.Status != delivery.StatusDead || got.Attempt != 3 || got.ErrorMessage != "timeout" || string(got.Payload) != `{"event":"review.created"}` {
		t.Errorf("log = %+v", got)
	}
	if q.queries[0].args[1] != 50 {
		t.Errorf("limit = %v, want default 50", q.queries[0].args[1])
	}
}
