package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event names a subscriber can register for.
const (
	EventPurchaseCompleted = "purchase.completed"
	EventReviewCreated     = "review.created"
	EventListingPublished  = "listing.published"
)

// Events lists every event name in a stable order.
var Events = []string{EventPurchaseCompleted, EventReviewCreated, EventListingPublished}

// ValidEvent reports whether name is a known event.
func ValidEvent(name string) bool {
	for _, e := range Events {
		if e == name {
			return true
		}
	}
	return false
}

// Subscription is a registered webhook endpoint. It is read-only while a
// delivery is in progress.
type Subscription struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	URL             string    `json:"url"`
	SecretEncrypted string    `json:"-"`
	Events          []string  `json:"events"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Payload is the JSON document POSTed to every subscriber of an event.
type Payload struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// NewPayload encodes data once so the result can be shared by every subscriber.
func NewPayload(event string, data any, now time.Time) (Payload, error) {
	raw, err := canonicalJSON(data)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s data: %w", event, err)
	}
	return Payload{
		Event:     event,
		Data:      raw,
		Timestamp: now.UTC().Format(TimestampFormat),
	}, nil
}

// canonicalJSON encodes v without HTML escaping and without a trailing newline.
// Map keys come out sorted.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Reason classifies why a dispatch did not succeed.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNoSigningSecret Reason = "no_signing_secret"
	ReasonSSRFRejected    Reason = "ssrf_rejected"
	ReasonDecryptFailed   Reason = "decrypt_failed"
	ReasonEncodeFailed    Reason = "encode_failed"
	ReasonDNSError        Reason = "dns_error"
	ReasonTimeout         Reason = "timeout"
	ReasonNetwork         Reason = "network_error"
	ReasonRedirectBlocked Reason = "redirect_blocked"
	ReasonHTTPStatus      Reason = "http_status"
)

// Permanent reports whether retrying can never change the outcome.
func (r Reason) Permanent() bool {
	switch r {
	case ReasonNoSigningSecret, ReasonSSRFRejected, ReasonDecryptFailed, ReasonEncodeFailed:
		return true
	}
	return false
}

// Result is the outcome of a single delivery attempt.
type Result struct {
	Success    bool
	StatusCode int
	Reason     Reason
	Err        error
}

// Permanent reports whether the attempt failed in a way that rules out retries:
// a permanent reason, or a 4xx response other than 429.
func (r Result) Permanent() bool {
	if r.Success {
		return false
	}
	if r.Reason.Permanent() {
		return true
	}
	return r.StatusCode >= 400 && r.StatusCode < 500 && r.StatusCode != 429
}

// Label is the low-cardinality name used for metrics and span attributes.
func (r Result) Label() string {
	switch {
	case r.Success:
		return "delivered"
	case r.Reason == ReasonHTTPStatus:
		return fmt.Sprintf("http_%dxx", r.StatusCode/100)
	case r.Reason != ReasonNone:
		return string(r.Reason)
	}
	return "unknown"
}

// Message is the human-readable failure stored in the delivery log.
func (r Result) Message() string {
	switch {
	case r.Success:
		return ""
	case r.Reason == ReasonHTTPStatus:
		return fmt.Sprintf("HTTP %d", r.StatusCode)
	case r.StatusCode != 0:
		return fmt.Sprintf("%s (HTTP %d)", r.Reason, r.StatusCode)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return string(r.Reason)
}

// Status of a logged attempt.
type Status string

const (
	StatusFailed Status = "failed" // will be retried
	StatusDead   Status = "dead"   // no further attempts
)

// Attempt is one delivery-log row. Only unsuccessful attempts are logged.
type Attempt struct {
	SubscriptionID string          `json:"subscription_id"`
	Event          string          `json:"event"`
	Attempt        int             `json:"attempt"`
	Status         Status          `json:"status"`
	StatusCode     int             `json:"status_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// maxLoggedPayload bounds the payload copy kept in a log row.
const maxLoggedPayload = 4096

func loggedPayload(p Payload) json.RawMessage {
	b, err := canonicalJSON(p)
	if err == nil && len(b) <= maxLoggedPayload {
		return b
	}
	stub, _ := canonicalJSON(struct {
		Event     string `json:"event"`
		Data      string `json:"data"`
		Truncated bool   `json:"_truncated"`
	}{p.Event, "[logged]", true})
	return stub
}
