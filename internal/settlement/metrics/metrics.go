package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds soft-enforcement gate counters.
type Metrics struct {
	GateDecisions *prometheus.CounterVec
	HoldsCreated  prometheus.Counter
	HoldsCleared  prometheus.Counter
}

// New registers the settlement metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		GateDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "freightgate_settlement_gate_decisions_total",
			Help: "Soft-enforcement gate decisions by verdict and reason",
		}, []string{"decision", "reason"}),
		HoldsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "freightgate_settlement_holds_created_total",
			Help: "Settlement holds created pending review",
		}),
		HoldsCleared: promauto.NewCounter(prometheus.CounterOpts{
			Name: "freightgate_settlement_holds_cleared_total",
			Help: "Settlement holds cleared by administrative override",
		}),
	}
}

// The increment helpers are nil-safe so tests can run services without
// registering collectors on the default registry.

func (m *Metrics) IncGateDecision(decision, reason string) {
	if m != nil {
		m.GateDecisions.WithLabelValues(decision, reason).Inc()
	}
}

func (m *Metrics) IncHoldsCreated() {
	if m != nil {
		m.HoldsCreated.Inc()
	}
}

func (m *Metrics) IncHoldsCleared() {
	if m != nil {
		m.HoldsCleared.Inc()
	}
}
