package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/kmhook/internal/config"
	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/logging"
)

const maxSkew = 5 * time.Minute

// receiver is a test webhook endpoint that checks X-KM-Signature and can
// simulate a flaky subscriber.
type receiver struct {
	failFirstN int64
	secret     string
	delay      time.Duration
	now        func() time.Time
	count      atomic.Int64
	logger     *logging.Logger
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{
		failFirstN: int64(cfg.FailFirstN),
		secret:     cfg.SigningSecret,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		now:        time.Now,
		logger:     logger,
	}
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("kmhook-fake-receiver")
	r := newReceiver(cfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", r.handleHook)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log := logger.Plain().WithField("addr", cfg.Port).WithField("fail_first_n", cfg.FailFirstN)
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		log.Info("fake-receiver listening (tls)")
		log.WithError(srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)).Fatal("fake-receiver stopped")
	}
	log.Warn("fake-receiver listening without TLS; the origin guard only delivers to https")
	log.WithError(srv.ListenAndServe()).Fatal("fake-receiver stopped")
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	log := rc.logger.Plain().WithEvent(r.Header.Get(delivery.HeaderEvent)).WithField("request", n)

	if rc.secret != "" {
		if ok, msg := verifySignature(rc.secret, body, r.Header.Get(delivery.HeaderSignature)); !ok {
			log.WithField("reason", msg).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
		if ok, msg := checkTimestamp(body, rc.now(), maxSkew); !ok {
			log.WithField("reason", msg).Warn("stale payload")
			http.Error(w, "invalid payload: "+msg, http.StatusBadRequest)
			return
		}
	}

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	if n <= rc.failFirstN {
		log.WithField("body", truncate(string(body), 160)).Infof("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("body", truncate(string(body), 160)).Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifySignature(secret string, body []byte, signature string) (bool, string) {
	if signature == "" {
		return false, "missing " + delivery.HeaderSignature
	}
	if !delivery.Verify(secret, body, signature) {
		return false, "sig mismatch"
	}
	return true, ""
}

// checkTimestamp rejects payloads whose timestamp is outside leeway of now.
func checkTimestamp(body []byte, now time.Time, leeway time.Duration) (bool, string) {
	var p delivery.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return false, "payload is not JSON"
	}
	ts, err := time.Parse(delivery.TimestampFormat, p.Timestamp)
	if err != nil {
		return false, "invalid timestamp"
	}
	if d := now.Sub(ts); d > leeway || d < -leeway {
		return false, "timestamp too far from now (outside leeway)"
	}
	return true, ""
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
