// Package metrics 提供节点的Prometheus指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 节点的全部指标，nil 指针上调用任何方法都是空操作
type Metrics struct {
	registry *prometheus.Registry

	// 报文
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	ParseErrors      prometheus.Counter
	Downgrades       prometheus.Counter

	// 分发
	Dispatches *prometheus.CounterVec
	Duration   prometheus.Histogram

	// 周期任务与观察者
	PeriodicFires   *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	ActiveObservers prometheus.Gauge
}

// New 创建一组注册在独立Registry上的指标
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coap_node"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of CoAP messages received",
			},
			[]string{"type"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of CoAP messages sent",
			},
			[]string{"type"},
		),
		ParseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Total number of datagrams that could not be parsed",
			},
		),
		Downgrades: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overflow_downgrades_total",
				Help:      "Total number of responses replaced by 5.00 because they did not fit",
			},
		),
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of dispatched requests by resulting status",
			},
			[]string{"method", "status"},
		),
		Duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent handling one request",
				Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		PeriodicFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "periodic_fires_total",
				Help:      "Total number of periodic resource callbacks",
			},
			[]string{"resource"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observe notifications by result",
			},
			[]string{"resource", "result"},
		),
		ActiveObservers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_observers",
				Help:      "Number of registered observers",
			},
		),
	}
}

// Registry 返回指标所在的Registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回暴露指标的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Received(typ string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) Sent(typ string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(typ).Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

func (m *Metrics) Downgrade() {
	if m == nil {
		return
	}
	m.Downgrades.Inc()
}

// Dispatched 记录一次分发的结果和耗时
func (m *Metrics) Dispatched(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(method, status).Inc()
	m.Duration.Observe(seconds)
}

func (m *Metrics) PeriodicFired(resource string) {
	if m == nil {
		return
	}
	m.PeriodicFires.WithLabelValues(resource).Inc()
}

func (m *Metrics) Notified(resource string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Notifications.WithLabelValues(resource, result).Inc()
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.ActiveObservers.Set(float64(n))
}
