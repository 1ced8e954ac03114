package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"

	"kasirinaja/offline/internal/domain"
)

// Record outcomes counted per kind.
const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeDeleted   = "deleted"
	outcomePurged    = "purged"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
	outcomeDeferred  = "deferred"
)

type metrics struct {
	passes    prometheus.Counter
	scheduled prometheus.Counter
	records   *prometheus.CounterVec
	fetched   *prometheus.CounterVec
	duration  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "posagent",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Push passes run against the remote authority.",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "posagent",
			Subsystem: "sync",
			Name:      "schedule_requests_total",
			Help:      "Sync requests received, before debouncing.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posagent",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Dirty records handled by push passes, by outcome.",
		}, []string{"kind", "outcome"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posagent",
			Subsystem: "sync",
			Name:      "fetched_records_total",
			Help:      "Records received from the remote authority.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "posagent",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a push pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.scheduled, m.records, m.fetched, m.duration)
	}
	return m
}

func (m *metrics) record(kind domain.Kind, outcome string, n int) {
	if n > 0 {
		m.records.WithLabelValues(string(kind), outcome).Add(float64(n))
	}
}
