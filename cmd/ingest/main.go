package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/kmhook/internal/auth"
	"github.com/austindbirch/kmhook/internal/config"
	"github.com/austindbirch/kmhook/internal/db"
	"github.com/austindbirch/kmhook/internal/health"
	"github.com/austindbirch/kmhook/internal/ingest"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
	"github.com/austindbirch/kmhook/internal/registry"
	"github.com/austindbirch/kmhook/internal/secrets"
	"github.com/austindbirch/kmhook/internal/ssrf"
	"github.com/austindbirch/kmhook/internal/tracing"
)

const serviceName = "kmhook-ingest"

// authMiddleware verifies bearer tokens, or trusts X-User-Id when auth is
// not required because a gateway in front already did.
func authMiddleware(cfg config.Auth) (func(http.Handler) http.Handler, error) {
	if !cfg.Required {
		return auth.TrustedHeaderMiddleware, nil
	}
	if cfg.PublicKeyPath == "" {
		return nil, fmt.Errorf("JWT_PUBLIC_KEY_PATH is required when AUTH_REQUIRED=true")
	}
	pem, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	v, err := auth.NewJWTValidator(string(pem), cfg.Issuer, cfg.Audience)
	if err != nil {
		return nil, err
	}
	return v.HTTPMiddleware, nil
}

// newHandler mounts health, metrics and the API behind auth and HTTP tracing.
func newHandler(api *ingest.API, authMW func(http.Handler) http.Handler, pinger health.Pinger, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(pinger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	api.Register(mux)
	return otelhttp.NewHandler(authMW(mux), serviceName)
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	cipher, err := secrets.New(cfg.Webhook.SigningKey)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid WEBHOOK_SIGNING_KEY")
	}
	authMW, err := authMiddleware(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	svc := registry.NewService(db.NewSubscriptions(pool), db.NewDeliveryLogs(pool), cipher, ssrf.NewGuard(nil), logger)
	api := ingest.NewAPI(ingest.NewEventPublisher(prod, cfg.NSQ.EventsTopic), svc, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newHandler(api, authMW, pool, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).WithField("auth_required", cfg.Auth.Required).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("ingest stopped")
}
