package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of a processed block.
const (
	BlockExtended = "extended"
	BlockReorg    = "reorg"
	BlockSide     = "side"
	BlockKnown    = "known"
	BlockOrphan   = "orphan"
	BlockInvalid  = "invalid"
	BlockFailed   = "failed"
)

// Chain tracks the chain service.
type Chain struct {
	processTotal    *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	tipNumber       prometheus.Gauge
	orphans         prometheus.Gauge
}

func newChain(f promauto.Factory, ns string) *Chain {
	return &Chain{
		processTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "chain",
			Name:      "process_block_total",
			Help:      "Count of processed blocks by outcome.",
		}, []string{"result"}),
		processDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "chain",
			Name:      "process_block_duration_seconds",
			Help:      "Duration of processing a block.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		tipNumber: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "chain",
			Name:      "tip_number",
			Help:      "Number of the best block.",
		}),
		orphans: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "chain",
			Name:      "orphan_blocks",
			Help:      "Blocks waiting for their parent.",
		}),
	}
}

// ObserveProcessBlock records the outcome and duration of one block.
func (m *Chain) ObserveProcessBlock(result string, started time.Time) {
	m.processTotal.WithLabelValues(result).Inc()
	m.processDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
}

// SetTip records the best block number.
func (m *Chain) SetTip(number uint64) {
	m.tipNumber.Set(float64(number))
}

// SetOrphans records the orphan pool size.
func (m *Chain) SetOrphans(n int) {
	m.orphans.Set(float64(n))
}
