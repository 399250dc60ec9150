package ring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type RingMetrics struct {
	recordsWritten prometheus.Counter
	writesFailed   prometheus.Counter
	rotations      prometheus.Counter
	overrides      prometheus.Counter
	fsyncDuration  prometheus.Summary
	recoveries     *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewRingMetrics registers the ring's collectors. records and sparseEntries
// are read on every scrape.
func NewRingMetrics(registerer prometheus.Registerer, records, sparseEntries func() float64) *RingMetrics {
	f := promauto.With(registerer)
	m := &RingMetrics{}

	m.recordsWritten = f.NewCounter(prometheus.CounterOpts{
		Name: "records_written_total",
		Help: "Total number of records appended.",
	})

	m.writesFailed = f.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of puts that failed.",
	})

	m.rotations = f.NewCounter(prometheus.CounterOpts{
		Name: "rotations_total",
		Help: "Total number of segment rotations.",
	})

	m.overrides = f.NewCounter(prometheus.CounterOpts{
		Name: "overrides_total",
		Help: "Total number of puts that rewound the active segment.",
	})

	m.fsyncDuration = f.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment msync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.recoveries = f.NewCounterVec(prometheus.CounterOpts{
		Name: "recoveries_total",
		Help: "Segments recovered at open, by index source.",
	}, []string{"source"})

	recordsGauge := f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "records",
		Help: "Number of live records in the ring.",
	}, records)

	sparseGauge := f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sparse_index_entries",
		Help: "Number of entries resident in the sparse index.",
	}, sparseEntries)

	m.collectors = []prometheus.Collector{
		m.recordsWritten, m.writesFailed, m.rotations, m.overrides,
		m.fsyncDuration, m.recoveries, recordsGauge, sparseGauge,
	}

	return m
}

// unregister removes the collectors from registerer so a ring that failed to
// open can be opened again with it.
func (m *RingMetrics) unregister(registerer prometheus.Registerer) {
	if registerer == nil {
		return
	}
	for _, c := range m.collectors {
		registerer.Unregister(c)
	}
}
