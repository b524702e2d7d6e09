package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds audit orchestration counters.
type Metrics struct {
	RunsStarted      prometheus.Counter
	RunsCompleted    prometheus.Counter
	RunsFailed       prometheus.Counter
	BlockingFailures prometheus.Counter
}

// New registers the audit metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "freightgate_audit_runs_started_total",
			Help: "Audit runs opened by the orchestration service",
		}),
		RunsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "freightgate_audit_runs_completed_total",
			Help: "Audit runs that closed with a summary",
		}),
		RunsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "freightgate_audit_runs_failed_total",
			Help: "Audit orchestrations that returned a FAILED outcome",
		}),
		BlockingFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "freightgate_audit_blocking_failures_total",
			Help: "BLOCK_ESCROW rule failures observed across completed runs",
		}),
	}
}

// The increment helpers are nil-safe so tests can run services without
// registering collectors on the default registry.

func (m *Metrics) IncRunsStarted() {
	if m != nil {
		m.RunsStarted.Inc()
	}
}

func (m *Metrics) IncRunsCompleted() {
	if m != nil {
		m.RunsCompleted.Inc()
	}
}

func (m *Metrics) IncRunsFailed() {
	if m != nil {
		m.RunsFailed.Inc()
	}
}

func (m *Metrics) AddBlockingFailures(n int) {
	if m != nil && n > 0 {
		m.BlockingFailures.Add(float64(n))
	}
}
