package allergy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Reconciliations *prometheus.CounterVec
	Writes          *prometheus.CounterVec
	Duration        prometheus.Histogram
	CacheLookups    *prometheus.CounterVec
}

// NewMetrics registers the allergy collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patient_records",
			Subsystem: "allergy",
			Name:      "reconciliations_total",
			Help:      "Allergy list reconciliations by outcome.",
		}, []string{"outcome"}),
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patient_records",
			Subsystem: "allergy",
			Name:      "writes_total",
			Help:      "Allergy rows written by reconciliation, by kind.",
		}, []string{"kind"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "patient_records",
			Subsystem: "allergy",
			Name:      "reconciliation_duration_seconds",
			Help:      "Time spent applying an allergy reconciliation.",
			Buckets:   prometheus.DefBuckets,
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patient_records",
			Subsystem: "allergy",
			Name:      "cache_lookups_total",
			Help:      "Allergy list cache lookups by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observePlan(p *Plan) {
	m.Writes.WithLabelValues("created").Add(float64(len(p.Creates)))
	m.Writes.WithLabelValues("voided_removed").Add(float64(p.count(VoidReasonRemoved)))
	m.Writes.WithLabelValues("voided_edited").Add(float64(p.count(VoidReasonEdited)))
}
