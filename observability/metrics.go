package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InstructionMetrics records RPC instruction activity segmented by
// instruction name and outcome.
type InstructionMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	instructionOnce     sync.Once
	instructionRegistry *InstructionMetrics
)

// Instructions returns the lazily-initialised instruction metrics registry.
func Instructions() *InstructionMetrics {
	instructionOnce.Do(func() {
		instructionRegistry = &InstructionMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Subsystem: "billing",
				Name:      "requests_total",
				Help:      "Total billing instructions segmented by instruction and outcome.",
			}, []string{"instruction", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Subsystem: "billing",
				Name:      "errors_total",
				Help:      "Total billing instruction failures segmented by instruction and error kind.",
			}, []string{"instruction", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "subledger",
				Subsystem: "billing",
				Name:      "latency_seconds",
				Help:      "Billing instruction handling latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"instruction"}),
		}
		prometheus.MustRegister(
			instructionRegistry.requests,
			instructionRegistry.errors,
			instructionRegistry.latency,
		)
	})
	return instructionRegistry
}

// Observe records one handled instruction.
func (m *InstructionMetrics) Observe(instruction string, start time.Time, errKind string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if errKind != "" {
		outcome = "error"
		m.errors.WithLabelValues(instruction, errKind).Inc()
	}
	m.requests.WithLabelValues(instruction, outcome).Inc()
	m.latency.WithLabelValues(instruction).Observe(time.Since(start).Seconds())
}
