// Package metrics holds the prometheus collectors. A nil *Collector is valid and records
// nothing, so components can be built without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "votecore"

// Collector groups every metric the service exports.
type Collector struct {
	votesCast        *prometheus.CounterVec
	illegalAttempts  *prometheus.CounterVec
	tallyConflicts   prometheus.Counter
	tallyExhausted   prometheus.Counter
	tallyApplied     *prometheus.CounterVec
	tallyDuration    prometheus.Histogram
	outboxDispatched prometheus.Counter
	outboxFailures   prometheus.Counter
	outboxPending    prometheus.Gauge
	busDeadLetters   *prometheus.CounterVec
	alertsSent       *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		votesCast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "cast attempts by outcome",
		}, []string{"outcome"}),
		illegalAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "illegal_attempts_total",
			Help:      "rejected casts seen by the monitor, by kind and severity",
		}, []string{"kind", "severity"}),
		tallyConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tally",
			Name:      "version_conflicts_total",
			Help:      "optimistic version conflicts on tally rows",
		}),
		tallyExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tally",
			Name:      "retries_exhausted_total",
			Help:      "tally increments abandoned after the last attempt",
		}),
		tallyApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tally",
			Name:      "applied_total",
			Help:      "processed vote signals by result",
		}, []string{"result"}),
		tallyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tally",
			Name:      "apply_duration_seconds",
			Help:      "time to apply one vote to its tally, retries included",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		outboxDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dispatched_total",
			Help:      "outbox rows relayed to the bus",
		}),
		outboxFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "failures_total",
			Help:      "outbox relay attempts that failed",
		}),
		outboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "rows waiting in the last dispatch batch",
		}),
		busDeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dead_letters_total",
			Help:      "signals given up after the delivery limit",
		}, []string{"topic"}),
		alertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "operator alerts by kind and result",
		}, []string{"kind", "result"}),
	}
}

func (c *Collector) VoteCast(outcome string) {
	if c == nil {
		return
	}
	c.votesCast.WithLabelValues(outcome).Inc()
}

func (c *Collector) IllegalAttempt(kind, severity string) {
	if c == nil {
		return
	}
	c.illegalAttempts.WithLabelValues(kind, severity).Inc()
}

func (c *Collector) TallyConflict() {
	if c == nil {
		return
	}
	c.tallyConflicts.Inc()
}

func (c *Collector) TallyExhausted() {
	if c == nil {
		return
	}
	c.tallyExhausted.Inc()
}

// TallyApplied records one processed signal. result is "applied", "duplicate" or "failed".
func (c *Collector) TallyApplied(result string, seconds float64) {
	if c == nil {
		return
	}
	c.tallyApplied.WithLabelValues(result).Inc()
	c.tallyDuration.Observe(seconds)
}

func (c *Collector) OutboxDispatched(n int) {
	if c == nil {
		return
	}
	c.outboxDispatched.Add(float64(n))
}

func (c *Collector) OutboxFailed() {
	if c == nil {
		return
	}
	c.outboxFailures.Inc()
}

func (c *Collector) OutboxPending(n int) {
	if c == nil {
		return
	}
	c.outboxPending.Set(float64(n))
}

func (c *Collector) DeadLetter(topic string) {
	if c == nil {
		return
	}
	c.busDeadLetters.WithLabelValues(topic).Inc()
}

func (c *Collector) AlertSent(kind string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.alertsSent.WithLabelValues(kind, result).Inc()
}
