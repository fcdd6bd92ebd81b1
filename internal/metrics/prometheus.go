package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobescrow"

// Collector holds the Prometheus metrics exported by jobescrow. Metrics are
// registered in a dedicated registry so they do not interfere with the
// default global registry.
//
// A nil *Collector is valid and records nothing, so components can be
// constructed without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	escrowOutcomes *prometheus.CounterVec
	feeFallbacks   prometheus.Counter
	signDuration   prometheus.Histogram

	walletEvents    *prometheus.CounterVec
	walletConnected prometheus.Gauge

	jobActions      *prometheus.CounterVec
	rejectedActions *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	uptimeSeconds   prometheus.GaugeFunc
	startTime       time.Time
}

// New creates a Collector with all metrics registered
func New() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.gatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Chain gateway requests by endpoint, method and result.",
	}, []string{"endpoint", "method", "result"})

	c.gatewayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Chain gateway request latency by method.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	c.escrowOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "transactions_total",
		Help:      "Orchestrated transactions by operation and outcome.",
	}, []string{"operation", "status"})

	c.feeFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "fee_fallback_total",
		Help:      "Times the default transfer fee was used because the fee schedule was unavailable.",
	})

	c.signDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "sign_duration_seconds",
		Help:      "Time spent waiting for the wallet to sign.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	c.walletEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wallet",
		Name:      "events_total",
		Help:      "Wallet connection events by type.",
	}, []string{"event"})

	c.walletConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "wallet",
		Name:      "connected",
		Help:      "1 while a wallet connection is active.",
	})

	c.jobActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "actions_total",
		Help:      "Job actions recorded by type.",
	}, []string{"action"})

	c.rejectedActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "rejected_actions_total",
		Help:      "Job actions rejected as illegal for the current state.",
	}, []string{"action"})

	c.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Counterparty notifications by kind and result.",
	}, []string{"kind", "result"})

	c.uptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the process started in seconds.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	c.registry.MustRegister(
		c.gatewayRequests,
		c.gatewayDuration,
		c.escrowOutcomes,
		c.feeFallbacks,
		c.signDuration,
		c.walletEvents,
		c.walletConnected,
		c.jobActions,
		c.rejectedActions,
		c.notifications,
		c.uptimeSeconds,
	)

	return c
}

// Registry returns the Prometheus registry used by this collector
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordGatewayRequest records one gateway round trip
func (c *Collector) RecordGatewayRequest(endpoint, method string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.gatewayRequests.WithLabelValues(endpoint, method, result(ok)).Inc()
	c.gatewayDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordTransaction records the outcome of an orchestrated transaction
func (c *Collector) RecordTransaction(operation, status string) {
	if c == nil {
		return
	}
	c.escrowOutcomes.WithLabelValues(operation, status).Inc()
}

// RecordFeeFallback records use of the default fee
func (c *Collector) RecordFeeFallback() {
	if c == nil {
		return
	}
	c.feeFallbacks.Inc()
}

// RecordSign records how long a signature request took
func (c *Collector) RecordSign(d time.Duration) {
	if c == nil {
		return
	}
	c.signDuration.Observe(d.Seconds())
}

// RecordWalletEvent records a connection event
func (c *Collector) RecordWalletEvent(event string) {
	if c == nil {
		return
	}
	c.walletEvents.WithLabelValues(event).Inc()
}

// SetWalletConnected sets the connected gauge
func (c *Collector) SetWalletConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.walletConnected.Set(1)
	} else {
		c.walletConnected.Set(0)
	}
}

// RecordJobAction records an accepted job action
func (c *Collector) RecordJobAction(action string) {
	if c == nil {
		return
	}
	c.jobActions.WithLabelValues(action).Inc()
}

// RecordRejectedAction records an action refused by the state machine
func (c *Collector) RecordRejectedAction(action string) {
	if c == nil {
		return
	}
	c.rejectedActions.WithLabelValues(action).Inc()
}

// RecordNotification records a notification delivery attempt
func (c *Collector) RecordNotification(kind string, ok bool) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(kind, result(ok)).Inc()
}

// Handler returns an http.Handler serving the Prometheus text exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
