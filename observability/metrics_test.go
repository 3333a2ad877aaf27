package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tranchefund/core/events"
)

func TestAPIMetricsObserve(t *testing.T) {
	m := API()
	m.Observe("/v1/fund", "GET", 200, 10*time.Millisecond)
	m.Observe("/v1/fund", "GET", 503, time.Millisecond)
	m.RecordThrottle("/v1/fund", "")

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/fund", "GET", "success")); got != 1 {
		t.Fatalf("success requests = %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/fund", "GET", "503")); got != 1 {
		t.Fatalf("errors = %v", got)
	}
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("/v1/fund", "unspecified")); got != 1 {
		t.Fatalf("throttles = %v", got)
	}
}

func TestOracleMetrics(t *testing.T) {
	m := Oracle()
	m.RecordSample("Static", nil)
	m.RecordSample("static", errors.New("stale"))
	m.RecordFreshness(-time.Second, 1.25)

	if got := testutil.ToFloat64(m.samples.WithLabelValues("static", "accepted")); got != 1 {
		t.Fatalf("accepted = %v", got)
	}
	if got := testutil.ToFloat64(m.samples.WithLabelValues("static", "rejected")); got != 1 {
		t.Fatalf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(m.freshness); got != 0 {
		t.Fatalf("negative ages clamp to zero, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastPrice); got != 1.25 {
		t.Fatalf("last price = %v", got)
	}
}

func TestEventCounterCountsByType(t *testing.T) {
	var counter events.Emitter = EventCounter{}
	counter.Emit(events.FundPaused{Module: "fund", Paused: true})
	counter.Emit(events.FundPaused{Module: "fund", Paused: false})
	counter.Emit(nil)

	got := testutil.ToFloat64(Events().emitted.WithLabelValues(events.TypeFundPaused))
	if got != 2 {
		t.Fatalf("paused events = %v", got)
	}
}
