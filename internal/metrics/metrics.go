// Package metrics exposes prometheus collectors for the node services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "klingnet"

// Metrics groups the collectors of every service.
type Metrics struct {
	Chain    *Chain
	Pool     *Pool
	Notify   *Notify
	Miner    *Miner
	Verifier *Verifier
}

// New registers all collectors on reg under namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Metrics{
		Chain:    newChain(f, namespace),
		Pool:     newPool(f, namespace),
		Notify:   newNotify(f, namespace),
		Miner:    newMiner(f, namespace),
		Verifier: newVerifier(f, namespace),
	}
}

// Discard returns collectors registered on a private registry, for callers
// that do not export metrics.
func Discard() *Metrics {
	return New(DefaultNamespace, prometheus.NewRegistry())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
