package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes sync engine counters. A nil *Metrics is valid and records
// nothing, so components never have to check before recording.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	connectErrors     prometheus.Counter
	emitted           *prometheus.CounterVec
	buffered          prometheus.Counter
	reconciled        *prometheus.CounterVec
	sends             *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts scheduled.",
		}),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connect_errors_total",
			Help:      "Connection attempts that failed on every transport.",
		}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_emitted_total",
			Help:      "Client to server events written to the transport.",
		}, []string{"event"}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_buffered_total",
			Help:      "Emissions queued while the connection was down.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconciled_messages_total",
			Help:      "Incoming messages by reconciliation outcome.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "optimistic_sends_total",
			Help:      "Optimistic sends by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.connectionState,
		m.reconnectAttempts,
		m.connectErrors,
		m.emitted,
		m.buffered,
		m.reconciled,
		m.sends,
	)
	return m
}

var allStates = []ConnectionState{StateConnecting, StateConnected, StateDisconnected, StateReconnecting}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) connectFailed() {
	if m == nil {
		return
	}
	m.connectErrors.Inc()
}

func (m *Metrics) eventEmitted(event string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(event).Inc()
}

func (m *Metrics) eventBuffered() {
	if m == nil {
		return
	}
	m.buffered.Inc()
}

func (m *Metrics) reconcileResult(r ReconcileResult) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) sendOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}
