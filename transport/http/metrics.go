package http

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	escrowTransition *prometheus.CounterVec
	authTotal        *prometheus.CounterVec
	paymentTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowd_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	escrows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_escrow_transitions_total",
		Help: "Committed escrow transitions by target state",
	}, []string{"state"})

	auth := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_auth_verifications_total",
		Help: "Sign-in verifications by outcome code",
	}, []string{"outcome"})

	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_payment_verifications_total",
		Help: "Payment verifications by outcome",
	}, []string{"kind", "outcome"})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, duration, escrows, auth, payments)

	return &Metrics{
		registry:         r,
		requestsTotal:    requests,
		requestDuration:  duration,
		escrowTransition: escrows,
		authTotal:        auth,
		paymentTotal:     payments,
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware observes every request
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) incEscrow(state string) {
	m.escrowTransition.WithLabelValues(state).Inc()
}

func (m *Metrics) incAuth(outcome string) {
	m.authTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incPayment(kind, outcome string) {
	m.paymentTotal.WithLabelValues(kind, outcome).Inc()
}
