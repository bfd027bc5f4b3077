// Package metrics exports strata activity as Prometheus metrics.
//
// A Metrics value implements storage.Instrumentation for builder operation
// timings and consistency violations, and its ObserveChangeSet method is a
// model.Listener counting commits and entity changes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/strata/internal/model"
	"github.com/roach88/strata/internal/storage"
)

const namespace = "strata"

// Metrics holds the collectors registered by New.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	violations        *prometheus.CounterVec
	commits           prometheus.Counter
	brokenCommits     prometheus.Counter
	changes           *prometheus.CounterVec
	entities          prometheus.Gauge
}

var _ storage.Instrumentation = (*Metrics)(nil)

// New registers the strata collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them process-wide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "builder_operation_duration_seconds",
			Help:      "Duration of builder operations",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"op"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_violations_total",
			Help:      "Failed consistency checks by operation",
		}, []string{"op"}),
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_commits_total",
			Help:      "Committed model transactions",
		}),
		brokenCommits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_broken_commits_total",
			Help:      "Committed snapshots carrying the broken flag",
		}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_entity_changes_total",
			Help:      "Entity changes published by committed transactions",
		}, []string{"kind"}),
		entities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_entities",
			Help:      "Number of entities in the current snapshot",
		}),
	}
}

// ObserveOperation records the duration of one builder operation.
func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ConsistencyViolation counts a failed check.
func (m *Metrics) ConsistencyViolation(op string) {
	m.violations.WithLabelValues(op).Inc()
}

// ObserveChangeSet counts a published commit. Subscribe it to a model.
func (m *Metrics) ObserveChangeSet(cs *model.ChangeSet) {
	m.commits.Inc()
	if cs.After.Broken() {
		m.brokenCommits.Inc()
	}
	added, removed, replaced := cs.Counts()
	m.changes.WithLabelValues("added").Add(float64(added))
	m.changes.WithLabelValues("removed").Add(float64(removed))
	m.changes.WithLabelValues("replaced").Add(float64(replaced))
	m.entities.Set(float64(cs.After.Count()))
}
