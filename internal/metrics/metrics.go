// Package metrics holds the prometheus collectors of the proxy.
//
// A nil *Metrics is valid and records nothing, so components take one as an
// optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the proxy exports.
type Metrics struct {
	// RPCCalls counts outbound agent calls.
	// Labels: method, outcome (ok|error|timeout)
	RPCCalls *prometheus.CounterVec

	// RPCDuration measures outbound agent call latency in seconds.
	// Labels: method
	RPCDuration *prometheus.HistogramVec

	// ActiveRuns is the number of runs held by the run manager.
	ActiveRuns prometheus.Gauge

	// AgentStarts counts agent processes started.
	AgentStarts prometheus.Counter

	// AgentExits counts agent exits.
	// Labels: kind (expected|unexpected)
	AgentExits *prometheus.CounterVec

	// Terminals is the number of live facade terminals.
	Terminals prometheus.Gauge

	// SandboxActions counts sandbox control actions.
	// Labels: action, outcome (ok|error)
	SandboxActions *prometheus.CounterVec

	// Permissions counts permission requests by how they ended.
	// Labels: outcome (selected|cancelled|default)
	Permissions *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acpproxy_agent_rpc_calls_total",
				Help: "Outbound JSON-RPC calls to agents by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acpproxy_agent_rpc_duration_seconds",
				Help:    "Duration of outbound JSON-RPC calls to agents in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"method"},
		),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acpproxy_active_runs",
			Help: "Runs currently held by the proxy",
		}),
		AgentStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acpproxy_agent_starts_total",
			Help: "Agent processes started",
		}),
		AgentExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acpproxy_agent_exits_total",
				Help: "Agent process exits by kind",
			},
			[]string{"kind"},
		),
		Terminals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acpproxy_terminals",
			Help: "Live agent terminals",
		}),
		SandboxActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acpproxy_sandbox_actions_total",
				Help: "Sandbox control actions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		Permissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acpproxy_permission_requests_total",
				Help: "Permission requests by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.RPCCalls, m.RPCDuration, m.ActiveRuns, m.AgentStarts,
			m.AgentExits, m.Terminals, m.SandboxActions, m.Permissions,
		)
	}
	return m
}

// RecordRPC records one outbound call.
func (m *Metrics) RecordRPC(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, outcome).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RunOpened and RunClosed track the active run gauge.
func (m *Metrics) RunOpened() {
	if m != nil {
		m.ActiveRuns.Inc()
	}
}

func (m *Metrics) RunClosed() {
	if m != nil {
		m.ActiveRuns.Dec()
	}
}

// AgentStarted counts a started agent.
func (m *Metrics) AgentStarted() {
	if m != nil {
		m.AgentStarts.Inc()
	}
}

// AgentExited counts an agent exit.
func (m *Metrics) AgentExited(expected bool) {
	if m == nil {
		return
	}
	kind := "unexpected"
	if expected {
		kind = "expected"
	}
	m.AgentExits.WithLabelValues(kind).Inc()
}

// TerminalOpened and TerminalReleased track the terminal gauge.
func (m *Metrics) TerminalOpened() {
	if m != nil {
		m.Terminals.Inc()
	}
}

func (m *Metrics) TerminalReleased() {
	if m != nil {
		m.Terminals.Dec()
	}
}

// RecordSandboxAction counts one sandbox control action.
func (m *Metrics) RecordSandboxAction(action string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SandboxActions.WithLabelValues(action, outcome).Inc()
}

// RecordPermission counts a finished permission request.
func (m *Metrics) RecordPermission(outcome string) {
	if m != nil {
		m.Permissions.WithLabelValues(outcome).Inc()
	}
}
