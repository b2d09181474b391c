package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics is owned by one Server so several servers can coexist in a process.
type metrics struct {
	registry *prometheus.Registry

	sessionsConnected     prometheus.Gauge
	handlesRegistered     prometheus.Gauge
	linesReceived         *prometheus.CounterVec
	linesThrottled        prometheus.Counter
	registrationsRejected prometheus.Counter
	sendFailures          prometheus.Counter
	coordinatorElections  prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_connected",
			Help: "Open client connections, registered or not.",
		}),
		handlesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_handles_registered",
			Help: "Handles currently present in the registry.",
		}),
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_lines_received_total",
			Help: "Inbound lines from active sessions by command kind.",
		}, []string{"kind"}),
		linesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_lines_throttled_total",
			Help: "Chat lines discarded by the per-session rate limiter.",
		}),
		registrationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_registrations_rejected_total",
			Help: "Registration attempts answered with ID_TAKEN.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Outbound writes that failed because the peer was unreachable.",
		}),
		coordinatorElections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_coordinator_elections_total",
			Help: "Times a handle was given the coordinator role.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsConnected,
		m.handlesRegistered,
		m.linesReceived,
		m.linesThrottled,
		m.registrationsRejected,
		m.sendFailures,
		m.coordinatorElections,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
