package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vectors appear in Gather()
	RecordEventFired("purchase.completed")
	RecordDispatch("delivered", 120*time.Millisecond)
	RecordRetry("http_503")
	RecordDead("max_attempts")
	RecordOriginRejection("private_ip")
	RecordLogWriteFailure()
	TrackInFlight()()
	UpdateNSQBacklog("webhook_events", "fanout", 4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	expected := []string{
		"kmhook_events_fired_total",
		"kmhook_dispatch_attempts_total",
		"kmhook_retries_total",
		"kmhook_dead_total",
		"kmhook_origin_rejections_total",
		"kmhook_dispatch_latency_seconds",
		"kmhook_dispatches_in_flight",
		"kmhook_log_write_failures_total",
		"kmhook_nsq_backlog",
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestMustRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	defer func() {
		if recover() == nil {
			t.Error("second MustRegister() on the same registry should panic")
		}
	}()
	MustRegister(reg)
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		read   func() float64
	}{
		{
			name:   "events fired",
			record: func() { RecordEventFired("review.created") },
			read:   func() float64 { return testutil.ToFloat64(EventsFiredTotal.WithLabelValues("review.created")) },
		},
		{
			name:   "dispatch attempts",
			record: func() { RecordDispatch("timeout", time.Second) },
			read:   func() float64 { return testutil.ToFloat64(DispatchAttemptsTotal.WithLabelValues("timeout")) },
		},
		{
			name:   "retries",
			record: func() { RecordRetry("network_error") },
			read:   func() float64 { return testutil.ToFloat64(RetriesTotal.WithLabelValues("network_error")) },
		},
		{
			name:   "dead",
			record: func() { RecordDead("ssrf_rejected") },
			read:   func() float64 { return testutil.ToFloat64(DeadTotal.WithLabelValues("ssrf_rejected")) },
		},
		{
			name:   "origin rejections",
			record: func() { RecordOriginRejection("dns_error") },
			read:   func() float64 { return testutil.ToFloat64(OriginRejectionsTotal.WithLabelValues("dns_error")) },
		},
		{
			name:   "log write failures",
			record: RecordLogWriteFailure,
			read:   func() float64 { return testutil.ToFloat64(LogWriteFailuresTotal) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.record()
			if got := tt.read(); got != before+1 {
				t.Errorf("counter = %v, want %v", got, before+1)
			}
		})
	}
}

func TestTrackInFlight(t *testing.T) {
	before := testutil.ToFloat64(DispatchesInFlight)
	done := TrackInFlight()
	if got := testutil.ToFloat64(DispatchesInFlight); got != before+1 {
		t.Errorf("in flight = %v, want %v", got, before+1)
	}
	done()
	if got := testutil.ToFloat64(DispatchesInFlight); got != before {
		t.Errorf("in flight after done = %v, want %v", got, before)
	}
}

func TestUpdateNSQBacklog(t *testing.T) {
	UpdateNSQBacklog("webhook_events", "fanout", 17)
	if got := testutil.ToFloat64(NSQBacklog.WithLabelValues("webhook_events", "fanout")); got != 17 {
		t.Errorf("backlog = %v, want 17", got)
	}
	UpdateNSQBacklog("webhook_events", "fanout", 0)
	if got := testutil.ToFloat64(NSQBacklog.WithLabelValues("webhook_events", "fanout")); got != 0 {
		t.Errorf("backlog = %v, want 0", got)
	}
}
