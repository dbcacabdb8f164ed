package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "checkout"

// Commit outcome label values.
const (
	OutcomeCommitted         = "committed"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeRejected          = "rejected"
	OutcomeContention        = "contention"
	OutcomeInternal          = "internal_error"
)

// Metrics holds the collectors of the checkout engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	commits         *prometheus.CounterVec
	commitDuration  prometheus.Histogram
	lockWait        prometheus.Histogram
	shortfalls      *prometheus.CounterVec
	totalMismatches prometheus.Counter
	outboxPublished *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Wall time of a reserve-and-commit transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring all stock row locks of one reservation.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		shortfalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shortfalls_total",
			Help:      "Products that could not cover a requested quantity.",
		}, []string{"product_id"}),
		totalMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_total_mismatch_total",
			Help:      "Checkouts whose client-stated total differed from the computed total.",
		}),
		outboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_published_total",
			Help:      "Outbox events handed to the broker, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) CommitOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
	m.commitDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) Shortfall(productID string) {
	if m == nil {
		return
	}
	m.shortfalls.WithLabelValues(productID).Inc()
}

func (m *Metrics) ClientTotalMismatch() {
	if m == nil {
		return
	}
	m.totalMismatches.Inc()
}

func (m *Metrics) OutboxPublished(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}
