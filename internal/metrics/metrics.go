// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline's Prometheus metrics on a private registry
// so tests can create collectors without colliding.
type Collector struct {
	registry *prometheus.Registry

	transactionsIngested prometheus.Counter
	evaluations          prometheus.Counter
	evaluationFailures   prometheus.Counter
	entriesFlagged       prometheus.Counter
	busDropped           *prometheus.CounterVec
	evaluationDuration   prometheus.Histogram
	riskScores           prometheus.Histogram
	liveSubscribers      prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		transactionsIngested: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_transactions_ingested_total",
			Help: "Total transactions appended to the store",
		}),
		evaluations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_evaluations_total",
			Help: "Total transactions run through the rule engine",
		}),
		evaluationFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_evaluation_failures_total",
			Help: "Total evaluations that could not complete",
		}),
		entriesFlagged: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_fraud_entries_total",
			Help: "Total fraud log entries created",
		}),
		busDropped: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_bus_messages_dropped_total",
			Help: "Messages dropped for stalled bus subscribers, by topic",
		}, []string{"topic"}),
		evaluationDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one transaction",
			Buckets: prometheus.DefBuckets,
		}),
		riskScores: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_risk_score_distribution",
			Help:    "Risk scores of flagged transactions",
			Buckets: []float64{10, 30, 50, 60, 70, 80, 90, 99},
		}),
		liveSubscribers: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_live_subscribers",
			Help: "Currently connected live-broadcast subscribers",
		}),
	}
}

// TransactionIngested counts one appended transaction.
func (c *Collector) TransactionIngested() {
	c.transactionsIngested.Inc()
}

// EvaluationCompleted records one finished evaluation. A flagged
// transaction also feeds the risk score histogram.
func (c *Collector) EvaluationCompleted(duration time.Duration, riskScore int, flagged bool) {
	c.evaluations.Inc()
	c.evaluationDuration.Observe(duration.Seconds())
	if flagged {
		c.entriesFlagged.Inc()
		c.riskScores.Observe(float64(riskScore))
	}
}

// EvaluationFailed counts one evaluation that could not complete.
func (c *Collector) EvaluationFailed() {
	c.evaluationFailures.Inc()
}

// BusMessageDropped counts one message lost to a stalled subscriber.
func (c *Collector) BusMessageDropped(topic string) {
	c.busDropped.WithLabelValues(topic).Inc()
}

// SubscriberConnected tracks a live-broadcast attach.
func (c *Collector) SubscriberConnected() {
	c.liveSubscribers.Inc()
}

// SubscriberDisconnected tracks a live-broadcast detach.
func (c *Collector) SubscriberDisconnected() {
	c.liveSubscribers.Dec()
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
