package reconcile

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *reconcilerMetrics
)

type reconcilerMetrics struct {
	ingest      *prometheus.CounterVec
	pendingSize prometheus.Gauge
	retryDrops  prometheus.Counter
	seenSize    prometheus.Gauge
}

func newReconcilerMetrics() *reconcilerMetrics {
	metricsInitOnce.Do(func() {
		rm := &reconcilerMetrics{
			ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "marketd_reconcile_ingest_total",
				Help: "Count of ingested envelopes by kind and outcome.",
			}, []string{"kind", "outcome"}),
			pendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "marketd_reconcile_pending_envelopes",
				Help: "Number of envelopes buffered awaiting prerequisites.",
			}),
			retryDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "marketd_reconcile_retry_exhausted_total",
				Help: "Buffered envelopes dropped after exhausting their retry budget.",
			}),
			seenSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "marketd_reconcile_seen_entries",
				Help: "Number of live entries in the envelope dedup set.",
			}),
		}
		prometheus.DefaultRegisterer.MustRegister(rm.ingest, rm.pendingSize, rm.retryDrops, rm.seenSize)
		sharedMetrics = rm
	})
	return sharedMetrics
}

func (m *reconcilerMetrics) observeIngest(kind string, outcome Outcome) {
	if m == nil {
		return
	}
	m.ingest.WithLabelValues(kind, outcome.String()).Inc()
}

func (m *reconcilerMetrics) observePending(delta float64) {
	if m == nil {
		return
	}
	m.pendingSize.Add(delta)
}

func (m *reconcilerMetrics) observeRetryDrop() {
	if m == nil {
		return
	}
	m.retryDrops.Inc()
}

func (m *reconcilerMetrics) observeSeen(size int) {
	if m == nil {
		return
	}
	m.seenSize.Set(float64(size))
}
