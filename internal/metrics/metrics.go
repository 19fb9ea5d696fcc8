// Package metrics holds the Prometheus collectors for the chat engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chatbot"

// Engine bundles the collectors updated by the engine and its session.
type Engine struct {
	registry       *prometheus.Registry
	linesTotal     *prometheus.CounterVec
	messagesTotal  prometheus.Counter
	dispatchTotal  *prometheus.CounterVec
	dispatchTime   *prometheus.HistogramVec
	deniedTotal    *prometheus.CounterVec
	connectsTotal  *prometheus.CounterVec
	faultsTotal    *prometheus.CounterVec
	sessionState   *prometheus.GaugeVec
	commandsLoaded prometheus.Gauge
	auditErrors    prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Engine {
	registry := prometheus.NewRegistry()
	m := &Engine{
		registry: registry,
		linesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "irc_lines_total",
			Help:      "Protocol lines received, by kind",
		}, []string{"kind"}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Valid chat messages delivered to the command pipeline",
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Finished command dispatches by action and outcome",
		}, []string{"action", "outcome"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Histogram of action execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		deniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denied_total",
			Help:      "Commands rejected by the access policy",
		}, []string{"action", "access"}),
		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Chat connection attempts by result",
		}, []string{"result"}),
		faultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_faults_total",
			Help:      "Unsolicited connection losses by kind",
		}, []string{"kind"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current chat session state, 0 otherwise",
		}, []string{"state"}),
		commandsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_loaded",
			Help:      "Number of command definitions in the active set",
		}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Audit records that failed to persist",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.linesTotal,
		m.messagesTotal,
		m.dispatchTotal,
		m.dispatchTime,
		m.deniedTotal,
		m.connectsTotal,
		m.faultsTotal,
		m.sessionState,
		m.commandsLoaded,
		m.auditErrors,
	)
	return m
}

// Registry exposes the registry so HTTP collectors can share it.
func (m *Engine) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Engine) IncLine(kind string) {
	if m == nil {
		return
	}
	m.linesTotal.WithLabelValues(kind).Inc()
}

func (m *Engine) IncMessage() {
	if m == nil {
		return
	}
	m.messagesTotal.Inc()
}

// ObserveDispatch records one finished dispatch.
func (m *Engine) ObserveDispatch(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(action, outcome).Inc()
	m.dispatchTime.WithLabelValues(action).Observe(seconds)
}

func (m *Engine) IncDenied(action, access string) {
	if m == nil {
		return
	}
	m.deniedTotal.WithLabelValues(action, access).Inc()
}

func (m *Engine) IncConnect(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.connectsTotal.WithLabelValues(result).Inc()
}

func (m *Engine) IncFault(kind string) {
	if m == nil {
		return
	}
	m.faultsTotal.WithLabelValues(kind).Inc()
}

// SetSessionState marks state as the only active state among all.
func (m *Engine) SetSessionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Engine) SetCommandsLoaded(n int) {
	if m == nil {
		return
	}
	m.commandsLoaded.Set(float64(n))
}

func (m *Engine) IncAuditErrors() {
	if m == nil {
		return
	}
	m.auditErrors.Inc()
}
