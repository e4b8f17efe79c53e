package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/kmhook/internal/auth"
	"github.com/austindbirch/kmhook/internal/config"
	"github.com/austindbirch/kmhook/internal/ingest"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
)

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type capturePublisher struct {
	topic string
	body  []byte
}

func (c *capturePublisher) Publish(topic string, body []byte) error {
	c.topic, c.body = topic, body
	return nil
}

func writeKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	return key, path
}

func testServer(t *testing.T, authMW func(http.Handler) http.Handler) (*httptest.Server, *capturePublisher) {
	t.Helper()
	logger := logging.New(serviceName)
	logger.SetOutput(io.Discard)

	pub := &capturePublisher{}
	api := ingest.NewAPI(ingest.NewEventPublisher(pub, "webhook_events"), nil, logger)
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := httptest.NewServer(newHandler(api, authMW, okPinger{}, reg))
	t.Cleanup(srv.Close)
	return srv, pub
}

func TestAuthMiddleware(t *testing.T) {
	_, keyPath := writeKeyPair(t)

	tests := []struct {
		name    string
		cfg     config.Auth
		wantErr bool
	}{
		{name: "not required", cfg: config.Auth{Required: false}},
		{name: "required with key", cfg: config.Auth{Required: true, PublicKeyPath: keyPath, Issuer: "i", Audience: "a"}},
		{name: "required without key path", cfg: config.Auth{Required: true}, wantErr: true},
		{name: "missing key file", cfg: config.Auth{Required: true, PublicKeyPath: filepath.Join(t.TempDir(), "nope.pem")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, err := authMiddleware(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("authMiddleware() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && mw == nil {
				t.Error("authMiddleware() returned nil middleware")
			}
		})
	}
}

func TestHandler_PublishWithJWT(t *testing.T) {
	key, keyPath := writeKeyPair(t)
	mw, err := authMiddleware(config.Auth{Required: true, PublicKeyPath: keyPath, Issuer: "knowledge-market", Audience: "kmhook"})
	if err != nil {
		t.Fatal(err)
	}
	srv, pub := testServer(t, mw)

	token, err := auth.Mint(key, "knowledge-market", "kmhook", "user-5", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/events", strings.NewReader(`{"event":"listing.published","data":{"listing_id":"l1"}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var msg ingest.EventMessage
	if err := json.Unmarshal(pub.body, &msg); err != nil {
		t.Fatalf("published body: %v", err)
	}
	if msg.UserID != "user-5" || msg.Event != "listing.published" || pub.topic != "webhook_events" {
		t.Errorf("published %+v to %q", msg, pub.topic)
	}

	unauth, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader(`{"event":"listing.published"}`))
	if err != nil {
		t.Fatal(err)
	}
	unauth.Body.Close()
	if unauth.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", unauth.StatusCode)
	}
}

func TestHandler_PublicEndpoints(t *testing.T) {
	_, keyPath := writeKeyPair(t)
	mw, err := authMiddleware(config.Auth{Required: true, PublicKeyPath: keyPath, Issuer: "i", Audience: "a"})
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := testServer(t, mw)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without a token", path, resp.StatusCode)
		}
	}
}

func TestHandler_TrustedHeader(t *testing.T) {
	srv, pub := testServer(t, auth.TrustedHeaderMiddleware)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/events", strings.NewReader(`{"event":"review.created"}`))
	req.Header.Set(auth.HeaderUserID, "user-8")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if !strings.Contains(string(pub.body), `"user_id":"user-8"`) {
		t.Errorf("published body = %s", pub.body)
	}
}
