// Package metrics 以 Prometheus 格式暴露连接, 会话与分发统计
package metrics

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "gat1049"

// GaugeSource 采集时读取的实时数量
type GaugeSource func() int

type Metrics struct {
	registry *prometheus.Registry

	connectionsOpen   prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesRejected    *prometheus.CounterVec
	pushesTotal       *prometheus.CounterVec
	dispatchTotal     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	reconnectAttempts prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_open",
			Help:      "Number of currently open TCP connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total number of accepted TCP connections",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "frames_rejected_total",
			Help:      "Frames that failed to decode, by error code",
		}, []string{"code"}),
		pushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "pushes_total",
			Help:      "Subscription pushes by delivery result",
		}, []string{"result"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Dispatched messages by type, operation and error code",
		}, []string{"type", "operation", "code"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Handler processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "operation"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Client reconnect attempts",
		}),
	}
	m.registry.MustRegister(
		m.connectionsOpen,
		m.connectionsTotal,
		m.framesRejected,
		m.pushesTotal,
		m.dispatchTotal,
		m.dispatchDuration,
		m.reconnectAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGauge 注册一个在采集时求值的计数, 例如在线会话数
func (m *Metrics) RegisterGauge(subsystem, name, help string, source GaugeSource) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(source()) }))
}

func (m *Metrics) ConnectionOpened() {
	m.connectionsOpen.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsOpen.Dec()
}

func (m *Metrics) FrameRejected(code message.ErrorCode) {
	m.framesRejected.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) PushDelivered(ok bool) {
	if ok {
		m.pushesTotal.WithLabelValues("delivered").Inc()
		return
	}
	m.pushesTotal.WithLabelValues("failed").Inc()
}

func (m *Metrics) ReconnectAttempted() {
	m.reconnectAttempts.Inc()
}

// ObserveDispatch 签名与分发器的观察回调一致
func (m *Metrics) ObserveDispatch(msgType message.MessageType, operName message.OperationName, code message.ErrorCode, elapsed time.Duration) {
	label := string(code)
	if label == "" {
		label = "ok"
	}
	m.dispatchTotal.WithLabelValues(string(msgType), string(operName), label).Inc()
	m.dispatchDuration.WithLabelValues(string(msgType), string(operName)).Observe(elapsed.Seconds())
}
