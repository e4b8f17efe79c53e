package delivery

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidEvent(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"purchase.completed", true},
		{"review.created", true},
		{"listing.published", true},
		{"purchase.refunded", false},
		{"", false},
		{"PURCHASE.COMPLETED", false},
	}
	for _, tt := range tests {
		if got := ValidEvent(tt.name); got != tt.want {
			t.Errorf("ValidEvent(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewPayload(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 1, 2, 5, 4, 5, 123456789, loc)

	p, err := NewPayload(EventReviewCreated, map[string]any{"rating": 5, "note": "<ok> & fine"}, now)
	if err != nil {
		t.Fatalf("NewPayload() error = %v", err)
	}
	if p.Timestamp != "2026-01-02T03:04:05.123Z" {
		t.Errorf("Timestamp = %q, want 2026-01-02T03:04:05.123Z", p.Timestamp)
	}
	if got := string(p.Data); got != `{"note":"<ok> & fine","rating":5}` {
		t.Errorf("Data = %s", got)
	}
	if p.Event != EventReviewCreated {
		t.Errorf("Event = %q", p.Event)
	}
}

func TestNewPayload_Unencodable(t *testing.T) {
	_, err := NewPayload(EventPurchaseCompleted, map[string]any{"ch": make(chan int)}, time.Now())
	if err == nil {
		t.Fatal("NewPayload() error = nil, want encode error")
	}
}

func TestReason_Permanent(t *testing.T) {
	tests := []struct {
		reason Reason
		want   bool
	}{
		{ReasonNoSigningSecret, true},
		{ReasonSSRFRejected, true},
		{ReasonDecryptFailed, true},
		{ReasonEncodeFailed, true},
		{ReasonDNSError, false},
		{ReasonTimeout, false},
		{ReasonNetwork, false},
		{ReasonRedirectBlocked, false},
		{ReasonHTTPStatus, false},
	}
	for _, tt := range tests {
		if got := tt.reason.Permanent(); got != tt.want {
			t.Errorf("%q.Permanent() = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestResult_Classification(t *testing.T) {
	tests := []struct {
		name          string
		result        Result
		wantPermanent bool
		wantLabel     string
		wantMessage   string
	}{
		{
			name:      "success",
			result:    Result{Success: true, StatusCode: 204},
			wantLabel: "delivered",
		},
		{
			name:          "bad request",
			result:        Result{StatusCode: 400, Reason: ReasonHTTPStatus},
			wantPermanent: true,
			wantLabel:     "http_4xx",
			wantMessage:   "HTTP 400",
		},
		{
			name:          "gone",
			result:        Result{StatusCode: 410, Reason: ReasonHTTPStatus},
			wantPermanent: true,
			wantLabel:     "http_4xx",
			wantMessage:   "HTTP 410",
		},
		{
			name:        "too many requests",
			result:      Result{StatusCode: 429, Reason: ReasonHTTPStatus},
			wantLabel:   "http_4xx",
			wantMessage: "HTTP 429",
		},
		{
			name:        "server error",
			result:      Result{StatusCode: 503, Reason: ReasonHTTPStatus},
			wantLabel:   "http_5xx",
			wantMessage: "HTTP 503",
		},
		{
			name:        "redirect",
			result:      Result{StatusCode: 302, Reason: ReasonRedirectBlocked},
			wantLabel:   "redirect_blocked",
			wantMessage: "redirect_blocked (HTTP 302)",
		},
		{
			name:        "timeout with cause",
			result:      Result{Reason: ReasonTimeout, Err: errors.New("deadline exceeded")},
			wantLabel:   "timeout",
			wantMessage: "timeout: deadline exceeded",
		},
		{
			name:          "ssrf",
			result:        Result{Reason: ReasonSSRFRejected},
			wantPermanent: true,
			wantLabel:     "ssrf_rejected",
			wantMessage:   "ssrf_rejected",
		},
		{
			name:        "dns",
			result:      Result{Reason: ReasonDNSError},
			wantLabel:   "dns_error",
			wantMessage: "dns_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Permanent(); got != tt.wantPermanent {
				t.Errorf("Permanent() = %v, want %v", got, tt.wantPermanent)
			}
			if got := tt.result.Label(); got != tt.wantLabel {
				t.Errorf("Label() = %q, want %q", got, tt.wantLabel)
			}
			if got := tt.result.Message(); got != tt.wantMessage {
				t.Errorf("Message() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestLoggedPayload(t *testing.T) {
	small := Payload{Event: EventPurchaseCompleted, Data: json.RawMessage(`{"id":"k1"}`), Timestamp: "2026-01-02T03:04:05.000Z"}
	if got := string(loggedPayload(small)); got != `{"event":"purchase.completed","data":{"id":"k1"},"timestamp":"2026-01-02T03:04:05.000Z"}` {
		t.Errorf("loggedPayload(small) = %s", got)
	}

	big := Payload{
		Event:     EventListingPublished,
		Data:      json.RawMessage(`"` + strings.Repeat("x", maxLoggedPayload) + `"`),
		Timestamp: "2026-01-02T03:04:05.000Z",
	}
	want := `{"event":"listing.published","data":"[logged]","_truncated":true}`
	if got := string(loggedPayload(big)); got != want {
		t.Errorf("loggedPayload(big) = %s, want %s", got, want)
	}
}
