package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmhook_events_fired_total",
			Help: "Total number of marketplace events fanned out to subscriptions.",
		},
		[]string{"event"},
	)

	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmhook_dispatch_attempts_total",
			Help: "Total number of webhook dispatch attempts by result.",
		},
		[]string{"result"}, // delivered, or a failure reason
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmhook_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"},
	)

	DeadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmhook_dead_total",
			Help: "Total number of deliveries abandoned as dead by reason.",
		},
		[]string{"reason"},
	)

	OriginRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmhook_origin_rejections_total",
			Help: "Total number of destination URLs rejected by the origin guard.",
		},
		[]string{"reason"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kmhook_dispatch_latency_seconds",
			Help:    "Latency of a single webhook dispatch attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DispatchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kmhook_dispatches_in_flight",
			Help: "Number of webhook dispatches currently in progress.",
		},
	)

	LogWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kmhook_log_write_failures_total",
			Help: "Total number of delivery log rows that could not be written.",
		},
	)

	NSQBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kmhook_nsq_backlog",
			Help: "Messages waiting in an NSQ topic/channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsFiredTotal,
		DispatchAttemptsTotal,
		RetriesTotal,
		DeadTotal,
		OriginRejectionsTotal,
		DispatchLatency,
		DispatchesInFlight,
		LogWriteFailuresTotal,
		NSQBacklog,
	)
}

func RecordEventFired(event string) {
	EventsFiredTotal.WithLabelValues(event).Inc()
}

func RecordDispatch(result string, d time.Duration) {
	DispatchAttemptsTotal.WithLabelValues(result).Inc()
	DispatchLatency.Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDead(reason string) {
	DeadTotal.WithLabelValues(reason).Inc()
}

func RecordOriginRejection(reason string) {
	OriginRejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordLogWriteFailure() {
	LogWriteFailuresTotal.Inc()
}

// TrackInFlight bumps the in-flight gauge and returns the matching decrement.
func TrackInFlight() func() {
	DispatchesInFlight.Inc()
	return DispatchesInFlight.Dec
}

func UpdateNSQBacklog(topic, channel string, depth int64) {
	NSQBacklog.WithLabelValues(topic, channel).Set(float64(depth))
}
