// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the Prometheus metrics of the routing core and its
// collaborators.
type Collector struct {
	// Routing metrics
	turnsTotal      *prometheus.CounterVec
	routingDuration *prometheus.HistogramVec
	parseFailures   prometheus.Counter
	storiesCreated  *prometheus.CounterVec

	// Remote exchange metrics
	remoteExchangesTotal   *prometheus.CounterVec
	remoteExchangeDuration *prometheus.HistogramVec
	lateResponsesDiscarded prometheus.Counter

	// Entity metrics
	entityOps *prometheus.CounterVec

	// Store metrics
	storeOps        *prometheus.CounterVec
	storeOpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector registering its metrics under the given
// namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of routed conversation turns",
		},
		[]string{"action_kind", "story", "handled"},
	)

	c.routingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_duration_seconds",
			Help:      "Turn routing duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"action_kind"},
	)

	c.parseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_parse_failures_total",
			Help:      "Total number of failed intent parser calls",
		},
	)

	c.storiesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stories_created_total",
			Help:      "Total number of stories created",
		},
		[]string{"story"},
	)

	c.remoteExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_exchanges_total",
			Help:      "Total number of remote request/response exchanges",
		},
		[]string{"transport", "outcome"},
	)

	c.remoteExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_exchange_duration_seconds",
			Help:      "Remote exchange duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"transport"},
	)

	c.lateResponsesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_responses_discarded_total",
			Help:      "Total number of correlated responses discarded after timeout",
		},
	)

	c.entityOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_operations_total",
			Help:      "Total number of entity memory operations",
		},
		[]string{"op"},
	)

	c.storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "op", "status"},
	)

	c.storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "op"},
	)

	return c
}

// RecordTurn records one routed turn.
func (c *Collector) RecordTurn(actionKind, story string, handled bool, d time.Duration) {
	h := "false"
	if handled {
		h = "true"
	}
	c.turnsTotal.WithLabelValues(actionKind, story, h).Inc()
	c.routingDuration.WithLabelValues(actionKind).Observe(d.Seconds())
}

// RecordParseFailure records one failed intent parser call.
func (c *Collector) RecordParseFailure() {
	c.parseFailures.Inc()
}

// RecordStoryCreated records the creation of a story instance.
func (c *Collector) RecordStoryCreated(story string) {
	c.storiesCreated.WithLabelValues(story).Inc()
}

// RecordRemoteExchange records one remote exchange with its outcome
// ("ok", "empty", "timeout", "error").
func (c *Collector) RecordRemoteExchange(transport, outcome string, d time.Duration) {
	c.remoteExchangesTotal.WithLabelValues(transport, outcome).Inc()
	c.remoteExchangeDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordLateResponse records a correlated response that arrived after its
// wait was abandoned.
func (c *Collector) RecordLateResponse() {
	c.lateResponsesDiscarded.Inc()
}

// RecordEntityOp records one entity memory operation ("set", "clear",
// "update").
func (c *Collector) RecordEntityOp(op string) {
	c.entityOps.WithLabelValues(op).Inc()
}

// RecordStoreOp records one store operation.
func (c *Collector) RecordStoreOp(store, op string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.storeOps.WithLabelValues(store, op, status).Inc()
	c.storeOpDuration.WithLabelValues(store, op).Observe(d.Seconds())
}
