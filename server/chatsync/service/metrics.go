package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method then does nothing.
type Metrics struct {
	connState       *prometheus.GaugeVec
	reconnects      prometheus.Counter
	framesHandled   *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	sends           *prometheus.CounterVec
	receiptsFlushed prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after unexpected closes.",
		}),
		framesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_frames_dispatched_total",
			Help: "Inbound frames handed to a handler, by event kind.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Inbound frames dropped before reaching a handler.",
		}, []string{"reason"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outbound messages by outcome.",
		}, []string{"outcome"}),
		receiptsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_read_receipts_flushed_total",
			Help: "Message ids sent in read receipt batches.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connState, m.reconnects, m.framesHandled, m.framesDropped, m.sends, m.receiptsFlushed)
	}
	return m
}

func (m *Metrics) setState(state ConnState) {
	if m == nil {
		return
	}
	for _, s := range allConnStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) frameHandled(kind EventKind) {
	if m == nil {
		return
	}
	m.framesHandled.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) receipts(n int) {
	if m == nil {
		return
	}
	m.receiptsFlushed.Add(float64(n))
}
