package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
	"github.com/austindbirch/kmhook/internal/ssrf"
	"github.com/austindbirch/kmhook/internal/tracing"
)

const (
	// DefaultTimeout bounds one attempt from dial to response headers and body drain.
	DefaultTimeout = 10 * time.Second

	maxDrain = 64 << 10
)

// SecretOpener decrypts a stored signing secret. *secrets.Cipher satisfies it.
type SecretOpener interface {
	Decrypt(serialized string) (string, error)
}

// OriginChecker validates a destination URL. *ssrf.Guard satisfies it.
type OriginChecker interface {
	Check(ctx context.Context, rawURL string) ssrf.Verdict
}

// Dispatcher performs exactly one signed delivery attempt.
type Dispatcher struct {
	secrets   SecretOpener
	guard     OriginChecker
	logger    *logging.Logger
	timeout   time.Duration
	tlsConfig *tls.Config
	userAgent string
}

type DispatcherOption func(*Dispatcher)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithTLSConfig sets the client TLS config, e.g. extra root CAs. It is cloned per attempt.
func WithTLSConfig(cfg *tls.Config) DispatcherOption {
	return func(disp *Dispatcher) { disp.tlsConfig = cfg }
}

func WithUserAgent(ua string) DispatcherOption {
	return func(disp *Dispatcher) {
		if ua != "" {
			disp.userAgent = ua
		}
	}
}

func NewDispatcher(secrets SecretOpener, guard OriginChecker, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{
		secrets:   secrets,
		guard:     guard,
		logger:    logger,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch makes one delivery attempt for p to sub. It never panics and every
// failure is reported through the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, sub Subscription, p Payload) (res Result) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("subscription_id", sub.ID),
		attribute.String("event", p.Event),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("delivery.result", res.Label()),
			attribute.Int("http.status_code", res.StatusCode),
		)
		if !res.Success {
			tracing.SetSpanError(ctx, errors.New(res.Message()))
		}
		span.End()
		metrics.RecordDispatch(res.Label(), time.Since(start))
	}()
	defer metrics.TrackInFlight()()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Reason: ReasonNetwork, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if sub.SecretEncrypted == "" {
		return Result{Reason: ReasonNoSigningSecret}
	}

	verdict := d.guard.Check(ctx, sub.URL)
	if !verdict.Safe {
		metrics.RecordOriginRejection(string(verdict.Reason))
		d.logger.WithContext(ctx).
			WithSubscription(sub.ID).
			WithField("origin", redactURL(sub.URL)).
			WithField("reason", string(verdict.Reason)).
			Warn("webhook origin rejected")
		if verdict.Reason.Transient() {
			return Result{Reason: ReasonDNSError}
		}
		return Result{Reason: ReasonSSRFRejected}
	}

	secret, err := d.secrets.Decrypt(sub.SecretEncrypted)
	if err != nil {
		d.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Error("decrypt signing secret failed")
		return Result{Reason: ReasonDecryptFailed, Err: err}
	}

	body, err := EncodeBody(p)
	if err != nil {
		return Result{Reason: ReasonEncodeFailed, Err: err}
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook", attribute.String("pinned_addr", verdict.Addr.String()))
	return d.post(ctx, sub.URL, verdict.Addr, p.Event, body, Sign(secret, body))
}

func (d *Dispatcher) post(ctx context.Context, rawURL string, pinned netip.Addr, event string, body []byte, signature string) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	transport := d.pinnedTransport(rawURL, pinned)
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return Result{Reason: ReasonNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderSignature, signature)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Result{Reason: ReasonTimeout, Err: err}
		}
		return Result{Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return Result{Success: true, StatusCode: code}
	case code >= 300 && code < 400:
		return Result{StatusCode: code, Reason: ReasonRedirectBlocked}
	default:
		return Result{StatusCode: code, Reason: ReasonHTTPStatus}
	}
}

// pinnedTransport builds a single-use transport whose dialer ignores the
// request host and always connects to pinned. TLS still verifies and sends SNI
// for the hostname in rawURL.
func (d *Dispatcher) pinnedTransport(rawURL string, pinned netip.Addr) *http.Transport {
	port := "443"
	if u, err := url.Parse(rawURL); err == nil && u.Port() != "" {
		port = u.Port()
	}
	target := net.JoinHostPort(pinned.WithZone("").String(), port)
	dialer := &net.Dialer{Timeout: d.timeout}

	t := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, target)
		},
		TLSHandshakeTimeout:   d.timeout,
		ResponseHeaderTimeout: d.timeout,
		DisableKeepAlives:     true,
		MaxIdleConns:          1,
	}
	if d.tlsConfig != nil {
		t.TLSClientConfig = d.tlsConfig.Clone()
	}
	return t
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redactURL keeps only scheme://host[:port] so query tokens never reach logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "[invalid url]"
	}
	return u.Scheme + "://" + u.Host
}
