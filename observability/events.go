package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tranchefund/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry counting structured fund events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundd",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of fund and primary market events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// EventCounter is an events.Emitter that only counts what passes through it.
type EventCounter struct{}

// Emit implements events.Emitter.
func (EventCounter) Emit(e events.Event) {
	if e == nil {
		return
	}
	Events().RecordEvent(e.EventType())
}
