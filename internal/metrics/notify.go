package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Notify tracks the event hub.
type Notify struct {
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func newNotify(f promauto.Factory, ns string) *Notify {
	return &Notify{
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "notify",
			Name:      "delivered_total",
			Help:      "Events handed to subscribers.",
		}, []string{"topic"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, []string{"topic"}),
	}
}

// ObserveDelivered records one event delivered to one subscriber.
func (m *Notify) ObserveDelivered(topic string) {
	m.delivered.WithLabelValues(topic).Inc()
}

// ObserveDropped records one event a subscriber did not have room for.
func (m *Notify) ObserveDropped(topic string) {
	m.dropped.WithLabelValues(topic).Inc()
}

// Dropped returns the drop counter of topic.
func (m *Notify) Dropped(topic string) prometheus.Counter {
	return m.dropped.WithLabelValues(topic)
}
