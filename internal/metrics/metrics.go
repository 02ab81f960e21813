package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dashlink"

// States lists every connection state label, in the order the gauge is reset.
var States = []string{"disconnected", "connecting", "connected", "error"}

// Metrics holds all collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	connectionState   *prometheus.GaugeVec
	framesReceived    prometheus.Counter
	framesSent        prometheus.Counter
	framesDropped     *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	reconnectExhaust  prometheus.Counter
	handlerInvoked    *prometheus.CounterVec
	handlerFailures   *prometheus.CounterVec
	journalRows       *prometheus.CounterVec
	journalFlushes    prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Inbound frames read from the socket",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to the socket",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by envelope validation",
		}, []string{"reason"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "send_failures_total",
			Help:      "Best-effort sends that failed, by stage",
		}, []string{"stage"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Reconnect attempts scheduled",
		}),
		reconnectExhaust: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconnect",
			Name:      "exhausted_total",
			Help:      "Times the reconnect budget ran out",
		}),
		handlerInvoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_invocations_total",
			Help:      "Subscriber handler invocations by message type",
		}, []string{"type"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_failures_total",
			Help:      "Subscriber handlers that returned an error or panicked",
		}, []string{"type"}),
		journalRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "rows_total",
			Help:      "Journal rows by result",
		}, []string{"result"}),
		journalFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "flushes_total",
			Help:      "Journal batch flushes",
		}),
	}

	reg.MustRegister(
		m.connectionState,
		m.framesReceived,
		m.framesSent,
		m.framesDropped,
		m.sendFailures,
		m.reconnectAttempts,
		m.reconnectExhaust,
		m.handlerInvoked,
		m.handlerFailures,
		m.journalRows,
		m.journalFlushes,
		collectors.NewGoCollector(),
	)

	m.SetState("disconnected")
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// FrameReceived counts one inbound frame, valid or not.
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// FrameSent counts one envelope written to the socket.
func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

// FrameDropped counts an inbound frame rejected by the decoder for reason.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// SendFailed records a failed send; stage is "encode" or "write".
func (m *Metrics) SendFailed(stage string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(stage).Inc()
}

// ReconnectScheduled counts an armed reconnect timer.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// ReconnectExhausted counts giving up after the last reconnect attempt.
func (m *Metrics) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectExhaust.Inc()
}

// HandlerInvoked counts one subscriber call for msgType.
func (m *Metrics) HandlerInvoked(msgType string) {
	if m == nil {
		return
	}
	m.handlerInvoked.WithLabelValues(msgType).Inc()
}

// HandlerFailed counts a subscriber for msgType that returned an error or panicked.
func (m *Metrics) HandlerFailed(msgType string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(msgType).Inc()
}

// JournalRows adds n rows under result: inserted, conflict, failed or dropped.
func (m *Metrics) JournalRows(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.journalRows.WithLabelValues(result).Add(float64(n))
}

// JournalFlushed counts one successful journal batch.
func (m *Metrics) JournalFlushed() {
	if m == nil {
		return
	}
	m.journalFlushes.Inc()
}
