// Package observability exposes the service's prometheus metrics. Metrics
// implements the recorder interfaces of the feed, outbox, chat, signaling and
// subscription packages.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"convosync/internal/events"
	"convosync/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	feedPublished   *prometheus.CounterVec
	feedDelivered   *prometheus.CounterVec
	outboxRelayed   *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	reconciliations prometheus.Counter
	resubscribes    prometheus.Counter
	callOutcomes    *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	wsEvents        *prometheus.CounterVec
}

// New registers the metrics on reg. A nil reg uses a fresh registry, which is
// what tests want.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_http_requests_total",
			Help: "HTTP requests processed.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convosync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		feedPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_feed_published_total",
			Help: "Row changes published to the change feed.",
		}, []string{"table"}),
		feedDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_feed_delivered_total",
			Help: "Row changes delivered to subscribers.",
		}, []string{"table"}),
		outboxRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_outbox_relayed_total",
			Help: "Outbox rows relayed to the change feed.",
		}, []string{"table"}),
		outboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_outbox_failed_total",
			Help: "Outbox relay attempts that failed.",
		}, []string{"table"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_optimistic_rollbacks_total",
			Help: "Optimistic mutations rolled back after a store error.",
		}, []string{"op"}),
		reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convosync_reconciliations_total",
			Help: "Cache reconciliations against the store.",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convosync_feed_resubscribes_total",
			Help: "Dropped feed subscriptions that were re-established.",
		}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_call_outcomes_total",
			Help: "Calls finished, by outcome.",
		}, []string{"outcome"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convosync_ws_active_connections",
			Help: "Open websocket connections.",
		}),
		wsEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convosync_ws_events_total",
			Help: "Websocket frames pushed or received.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.feedPublished,
		m.feedDelivered,
		m.outboxRelayed,
		m.outboxFailed,
		m.rollbacks,
		m.reconciliations,
		m.resubscribes,
		m.callOutcomes,
		m.wsConnections,
		m.wsEvents,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ChangePublished(table events.Table) {
	m.feedPublished.WithLabelValues(string(table)).Inc()
}

func (m *Metrics) ChangeDelivered(table events.Table) {
	m.feedDelivered.WithLabelValues(string(table)).Inc()
}

func (m *Metrics) OutboxRelayed(table string) { m.outboxRelayed.WithLabelValues(table).Inc() }
func (m *Metrics) OutboxFailed(table string)  { m.outboxFailed.WithLabelValues(table).Inc() }

func (m *Metrics) Rollback(op string) { m.rollbacks.WithLabelValues(op).Inc() }
func (m *Metrics) Reconciled()        { m.reconciliations.Inc() }
func (m *Metrics) Resubscribed()      { m.resubscribes.Inc() }

func (m *Metrics) CallFinished(outcome signaling.Outcome) {
	m.callOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) WSConnected()         { m.wsConnections.Inc() }
func (m *Metrics) WSDisconnected()      { m.wsConnections.Dec() }
func (m *Metrics) WSEvent(event string) { m.wsEvents.WithLabelValues(event).Inc() }
