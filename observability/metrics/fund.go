package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type FundMetrics struct {
	settlements      *prometheus.CounterVec
	rebalances       *prometheus.CounterVec
	nav              *prometheus.GaugeVec
	settleLatency    prometheus.Histogram
	primaryOps       *prometheus.CounterVec
	queueOutstanding prometheus.Gauge
	tokenOps         *prometheus.CounterVec
}

var (
	fundOnce     sync.Once
	fundRegistry *FundMetrics
)

func Fund() *FundMetrics {
	fundOnce.Do(func() {
		fundRegistry = &FundMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fund_settlements_total",
				Help: "Count of settlement attempts by outcome.",
			}, []string{"outcome"}),
			rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fund_rebalances_total",
				Help: "Count of rebalances appended by trigger kind.",
			}, []string{"kind"}),
			nav: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "fund_nav",
				Help: "Net asset value of each tranche at the last settlement.",
			}, []string{"tranche"}),
			settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "fund_settle_duration_seconds",
				Help:    "Latency of settlement runs.",
				Buckets: prometheus.DefBuckets,
			}),
			primaryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fund_primary_market_operations_total",
				Help: "Count of primary market operations by kind and outcome.",
			}, []string{"op", "outcome"}),
			queueOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fund_redemption_queue_outstanding",
				Help: "Underlying still owed to queued redemptions.",
			}),
			tokenOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fund_token_operations_total",
				Help: "Count of committed tranche token transfers and approvals.",
			}, []string{"tranche", "op"}),
		}
		prometheus.MustRegister(
			fundRegistry.settlements,
			fundRegistry.rebalances,
			fundRegistry.nav,
			fundRegistry.settleLatency,
			fundRegistry.primaryOps,
			fundRegistry.queueOutstanding,
			fundRegistry.tokenOps,
		)
	})
	return fundRegistry
}

func (m *FundMetrics) ObserveSettlement(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(outcome).Inc()
	m.settleLatency.Observe(elapsed.Seconds())
}

func (m *FundMetrics) ObserveRebalance(kind string) {
	if m == nil {
		return
	}
	m.rebalances.WithLabelValues(kind).Inc()
}

// SetNav records the tranche NAV as a float for dashboards.
func (m *FundMetrics) SetNav(tranche string, value float64) {
	if m == nil {
		return
	}
	m.nav.WithLabelValues(tranche).Set(value)
}

func (m *FundMetrics) ObservePrimaryOp(op, outcome string) {
	if m == nil {
		return
	}
	m.primaryOps.WithLabelValues(op, outcome).Inc()
}

func (m *FundMetrics) SetQueueOutstanding(amount float64) {
	if m == nil {
		return
	}
	m.queueOutstanding.Set(amount)
}

func (m *FundMetrics) ObserveTokenOp(tranche, op string) {
	if m == nil {
		return
	}
	m.tokenOps.WithLabelValues(tranche, op).Inc()
}

// Outcome maps an error to the label stored in the outcome dimension.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
