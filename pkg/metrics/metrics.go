package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratonas/middled/internal/common/config"
)

type Metrics struct {
	registry    *prometheus.Registry
	namespace   string
	callCnt     *prometheus.CounterVec
	callDur     *prometheus.HistogramVec
	callInfl    *prometheus.GaugeVec
	jobsRunning prometheus.Gauge
	jobsTotal   *prometheus.CounterVec
	connGauge   *prometheus.GaugeVec
	eventsSent  prometheus.Counter
	subOverflow prometheus.Counter
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	callCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "method_calls_total"}, []string{"method", "status"})
	callDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "method_call_duration_seconds", Buckets: cfg.Buckets}, []string{"method"})
	callInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "method_calls_inflight"}, []string{"method"})
	r.MustRegister(callCnt, callDur, callInfl)

	jobsRunning := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "jobs_running"})
	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "jobs_total"}, []string{"state"})
	r.MustRegister(jobsRunning, jobsTotal)

	connGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "connections_open"}, []string{"transport"})
	eventsSent := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "events_delivered_total"})
	subOverflow := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "subscription_overflows_total"})
	r.MustRegister(connGauge, eventsSent, subOverflow)

	return &Metrics{
		registry:    r,
		namespace:   ns,
		callCnt:     callCnt,
		callDur:     callDur,
		callInfl:    callInfl,
		jobsRunning: jobsRunning,
		jobsTotal:   jobsTotal,
		connGauge:   connGauge,
		eventsSent:  eventsSent,
		subOverflow: subOverflow,
	}
}

// ObserveCall records one dispatched method call.
func (m *Metrics) ObserveCall(method, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.callCnt.WithLabelValues(method, status).Inc()
	m.callDur.WithLabelValues(method).Observe(dur.Seconds())
}

// CallStarted/CallFinished track in-flight calls.
func (m *Metrics) CallStarted(method string) {
	if m == nil {
		return
	}
	m.callInfl.WithLabelValues(method).Inc()
}

func (m *Metrics) CallFinished(method string) {
	if m == nil {
		return
	}
	m.callInfl.WithLabelValues(method).Dec()
}

// JobStateChanged records a job entering a state.
func (m *Metrics) JobStateChanged(state string, running int) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(state).Inc()
	m.jobsRunning.Set(float64(running))
}

// ConnOpened/ConnClosed track open connections per transport kind.
func (m *Metrics) ConnOpened(transport string) {
	if m == nil {
		return
	}
	m.connGauge.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnClosed(transport string) {
	if m == nil {
		return
	}
	m.connGauge.WithLabelValues(transport).Dec()
}

// EventDelivered counts one event handed to a subscription queue.
func (m *Metrics) EventDelivered() {
	if m == nil {
		return
	}
	m.eventsSent.Inc()
}

// SubscriptionOverflow counts one subscription closed by queue overflow.
func (m *Metrics) SubscriptionOverflow() {
	if m == nil {
		return
	}
	m.subOverflow.Inc()
}

// Handler returns the /metrics HTTP handler for the sidecar listener.
func (m *Metrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Status(404) }
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
