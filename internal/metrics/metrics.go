// Package metrics provides Prometheus instrumentation for the marketplace service.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omnidepin"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TradesTotal counts escrow trade attempts by outcome ("success" or an error kind).
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "trades_total",
			Help:      "Escrow trade attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ProviderWaitDuration observes how long trades waited for a wallet provider.
	ProviderWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "provider_wait_seconds",
		Help:      "Time spent waiting for a wallet provider to become available.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 3, 5, 7, 10},
	})

	// NetworkSwitchesTotal counts wallet network switch requests by result.
	NetworkSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "network_switches_total",
			Help:      "Wallet network switch requests by result.",
		},
		[]string{"result"},
	)

	// ConfirmationDuration observes time from submission to mined receipt.
	ConfirmationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "confirmation_seconds",
		Help:      "Time from trade submission to mined receipt in seconds.",
		Buckets:   []float64{1, 5, 12, 24, 36, 60, 120, 300, 600},
	})

	// WalletBridgeConnections tracks connected browser wallet bridges.
	WalletBridgeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "wallet",
		Name:      "bridge_connections",
		Help:      "Number of currently connected browser wallet bridges.",
	})

	// WalletProvidersAttached tracks attached providers by chain namespace.
	WalletProvidersAttached = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "wallet",
		Name:      "providers_attached",
		Help:      "Attached wallet providers by chain namespace (0 or 1).",
	}, []string{"namespace"})

	// PurchasesRecordedTotal counts purchase records by result.
	PurchasesRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchases_recorded_total",
		Help:      "Purchase records written by result.",
	}, []string{"result"})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter by route pattern.",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradesTotal,
		ProviderWaitDuration,
		NetworkSwitchesTotal,
		ConfirmationDuration,
		WalletBridgeConnections,
		WalletProvidersAttached,
		PurchasesRecordedTotal,
		RateLimitedTotal,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
