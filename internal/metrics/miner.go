package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Miner tracks block production.
type Miner struct {
	templates *prometheus.CounterVec
	submitted *prometheus.CounterVec
	uncles    prometheus.Gauge
}

func newMiner(f promauto.Factory, ns string) *Miner {
	return &Miner{
		templates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "miner",
			Name:      "templates_total",
			Help:      "Block templates built.",
		}, []string{"status"}),
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "miner",
			Name:      "blocks_submitted_total",
			Help:      "Solved blocks handed to the chain.",
		}, []string{"status"}),
		uncles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "miner",
			Name:      "candidate_uncles",
			Help:      "Known uncle candidates.",
		}),
	}
}

// ObserveTemplate records one template build.
func (m *Miner) ObserveTemplate(err error) {
	m.templates.WithLabelValues(status(err)).Inc()
}

// ObserveSubmit records the fate of one solved block.
func (m *Miner) ObserveSubmit(err error) {
	m.submitted.WithLabelValues(status(err)).Inc()
}

// SetUncles records the candidate uncle count.
func (m *Miner) SetUncles(n int) {
	m.uncles.Set(float64(n))
}
