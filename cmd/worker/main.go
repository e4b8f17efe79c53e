package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/kmhook/internal/config"
	"github.com/austindbirch/kmhook/internal/db"
	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/health"
	"github.com/austindbirch/kmhook/internal/ingest"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
	"github.com/austindbirch/kmhook/internal/pipeline"
	"github.com/austindbirch/kmhook/internal/tracing"
)

const serviceName = "kmhook-worker"

// consumerConfig sizes in-flight messages to the fan-out pool. Long fan-outs
// keep their message alive by touching it, see touchInterval.
func consumerConfig(cfg config.Config) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = max(cfg.Webhook.Concurrency, 1)
	conf.MsgTimeout = 5 * time.Minute
	return conf
}

// touchInterval is half the message timeout.
func touchInterval(conf *nsq.Config) time.Duration {
	return conf.MsgTimeout / 2
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	var dlqProducer *nsq.Producer
	if cfg.Webhook.PublishDLQ {
		dlqProducer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
	}

	var dlq delivery.Publisher
	if dlqProducer != nil {
		dlq = dlqProducer
	}
	p, err := pipeline.Build(cfg.Webhook, cfg.NSQ.DLQTopic, pool, dlq, logger)
	if err != nil {
		// the worker must not run without a usable signing key
		logger.Plain().WithError(err).Fatal("invalid webhook configuration")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.WorkerHTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	go ingest.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, logger).Run(ctx, 15*time.Second)

	nsqConf := consumerConfig(cfg)
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel, nsqConf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	handler := ingest.NewConsumer(ctx, p.Fanout, logger, ingest.WithTouchInterval(touchInterval(nsqConf)))
	consumer.AddConcurrentHandlers(handler, max(cfg.Webhook.Concurrency, 1))

	// connecting to nsqd directly creates the channel before the first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":        cfg.NSQ.EventsTopic,
		"channel":      cfg.NSQ.WorkerChannel,
		"concurrency":  cfg.Webhook.Concurrency,
		"max_attempts": cfg.Webhook.MaxAttempts,
		"publish_dlq":  cfg.Webhook.PublishDLQ,
	}).Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	p.Retrier.Wait()
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
