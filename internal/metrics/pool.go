package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool tracks the transaction pool.
type Pool struct {
	admissions *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	size       *prometheus.GaugeVec
}

func newPool(f promauto.Factory, ns string) *Pool {
	return &Pool{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "txpool",
			Name:      "admissions_total",
			Help:      "Count of submitted transactions by result.",
		}, []string{"result"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "txpool",
			Name:      "removed_total",
			Help:      "Count of transactions leaving the pool by reason.",
		}, []string{"reason"}),
		size: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "txpool",
			Name:      "transactions",
			Help:      "Transactions in the pool by stage.",
		}, []string{"stage"}),
	}
}

// ObserveAdmission records one AddTransaction outcome. result is "accepted"
// or a short rejection reason.
func (m *Pool) ObserveAdmission(result string) {
	m.admissions.WithLabelValues(result).Inc()
}

// ObserveRemoved records n transactions leaving the pool.
func (m *Pool) ObserveRemoved(reason string, n int) {
	if n > 0 {
		m.evictions.WithLabelValues(reason).Add(float64(n))
	}
}

// SetSize records the number of pending and proposed entries.
func (m *Pool) SetSize(pending, proposed int) {
	m.size.WithLabelValues("pending").Set(float64(pending))
	m.size.WithLabelValues("proposed").Set(float64(proposed))
}
