package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdpwire"

// Metrics 协议引擎指标；nil 接收者上的方法均为空操作
type Metrics struct {
	commandsSent    *prometheus.CounterVec
	commandErrors   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	eventsPublished prometheus.Counter
	eventsLagged    prometheus.Counter
	routesResolved  *prometheus.CounterVec
}

// New 在指定注册表上创建指标
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "CDP commands written to the socket.",
		}, []string{"method"}),
		commandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "CDP commands that did not succeed, by outcome.",
		}, []string{"kind"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Round trip latency of CDP commands.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"method"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_in_flight",
			Help:      "Pending command slots awaiting a response.",
		}),
		eventsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "CDP events published on the bus.",
		}),
		eventsLagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_lagged_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}),
		routesResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_resolved_total",
			Help:      "Intercepted requests by final action.",
		}, []string{"action"}),
	}
}

// Handler 暴露 /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandSent(method string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(method).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) CommandDone(method string, elapsed time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.commandDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	if errKind != "" {
		m.commandErrors.WithLabelValues(errKind).Inc()
	}
}

func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) EventsLagged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsLagged.Add(float64(n))
}

func (m *Metrics) RouteResolved(action string) {
	if m == nil {
		return
	}
	m.routesResolved.WithLabelValues(action).Inc()
}
