// Package metrics exposes Prometheus counters for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"callrelay/internal/calls"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements session.Metrics and records HTTP traffic.
type Collector struct {
	callsInitiated   prometheus.Counter
	callsAnswered    prometheus.Counter
	callsDeclined    prometheus.Counter
	callsEnded       prometheus.Counter
	screenCastGrants prometheus.Counter
	signalsRelayed   *prometheus.CounterVec
	opFailures       *prometheus.CounterVec
	rateLimited      prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		callsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_calls_initiated_total",
			Help: "Calls that started ringing.",
		}),
		callsAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_calls_answered_total",
			Help: "Calls answered by the callee.",
		}),
		callsDeclined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_calls_declined_total",
			Help: "Calls declined by the callee.",
		}),
		callsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_calls_ended_total",
			Help: "Calls hung up by either participant.",
		}),
		screenCastGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_screen_cast_grants_total",
			Help: "Screen-cast grants handed out.",
		}),
		signalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_signals_relayed_total",
			Help: "Signals queued for delivery, by kind.",
		}, []string{"kind"}),
		opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_operation_failures_total",
			Help: "Rejected session operations, by operation and error code.",
		}, []string{"op", "code"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_rate_limited_total",
			Help: "Requests rejected by the per-identity rate limiter.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callrelay_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		c.callsInitiated,
		c.callsAnswered,
		c.callsDeclined,
		c.callsEnded,
		c.screenCastGrants,
		c.signalsRelayed,
		c.opFailures,
		c.rateLimited,
		c.httpRequests,
		c.httpLatency,
	)
	return c
}

func (c *Collector) CallInitiated()     { c.callsInitiated.Inc() }
func (c *Collector) CallAnswered()      { c.callsAnswered.Inc() }
func (c *Collector) CallDeclined()      { c.callsDeclined.Inc() }
func (c *Collector) CallEnded()         { c.callsEnded.Inc() }
func (c *Collector) ScreenCastGranted() { c.screenCastGrants.Inc() }
func (c *Collector) RateLimited()       { c.rateLimited.Inc() }

func (c *Collector) SignalRelayed(kind calls.SignalKind) {
	c.signalsRelayed.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) OperationFailed(op, code string) {
	c.opFailures.WithLabelValues(op, code).Inc()
}

// Middleware records request counts and latency per matched route.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(g *gin.Context) {
		start := time.Now()
		g.Next()

		route := g.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.httpRequests.WithLabelValues(route, strconv.Itoa(g.Writer.Status())).Inc()
		c.httpLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
