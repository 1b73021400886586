package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verifier tracks block verification.
type Verifier struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newVerifier(f promauto.Factory, ns string) *Verifier {
	return &Verifier{
		total: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "verifier",
			Name:      "verify_total",
			Help:      "Count of verified blocks.",
		}, []string{"status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "verifier",
			Name:      "verify_duration_seconds",
			Help:      "Duration of verifying a block.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
}

// ObserveVerify records one verification outcome and its duration.
func (m *Verifier) ObserveVerify(err error, started time.Time) {
	s := status(err)
	m.total.WithLabelValues(s).Inc()
	m.duration.WithLabelValues(s).Observe(time.Since(started).Seconds())
}
