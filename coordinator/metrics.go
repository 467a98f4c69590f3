package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the coordinator does. A nil registerer keeps the
// collectors unregistered, which is what tests want.
type Metrics struct {
	Reveals    *prometheus.CounterVec // by source ledger
	Misses     prometheus.Counter
	Claims     *prometheus.CounterVec // by target ledger and outcome
	Conflicts  prometheus.Counter
	QueueDepth prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reveals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htlc_relay",
			Name:      "reveals_total",
			Help:      "Secret revelations received from ledger watchers.",
		}, []string{"ledger"}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "htlc_relay",
			Name:      "correlation_misses_total",
			Help:      "Revealed secrets that matched no recorded escrow.",
		}),
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htlc_relay",
			Name:      "claims_total",
			Help:      "Claim submissions to counterpart ledgers by outcome.",
		}, []string{"ledger", "outcome"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "htlc_relay",
			Name:      "correlation_conflicts_total",
			Help:      "Escrow bookkeeping conflicts; each one needs an operator.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "htlc_relay",
			Name:      "queue_depth",
			Help:      "Events waiting for a coordinator worker.",
		}),
	}
}
