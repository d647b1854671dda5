package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's instrumentation on a private registry so
// two servers in one process (as in tests) never collide.
type metrics struct {
	registry *prometheus.Registry

	framesProduced   prometheus.Counter
	framesBroadcast  prometheus.Counter
	framesDropped    prometheus.Counter
	commandsAccepted prometheus.Counter
	commandsDropped  prometheus.Counter
	sessions         prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		framesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lpx_frames_produced_total",
			Help: "Frames scanned and encoded by the production loop.",
		}),
		framesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lpx_frames_broadcast_total",
			Help: "Frame deliveries queued to viewer sessions.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lpx_frames_dropped_total",
			Help: "Frame deliveries dropped because a session buffer was full.",
		}),
		commandsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lpx_commands_accepted_total",
			Help: "Re-centering commands applied.",
		}),
		commandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lpx_commands_dropped_total",
			Help: "Re-centering commands rejected as malformed or rate limited.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpx_sessions",
			Help: "Connected viewer sessions.",
		}),
	}
	m.registry.MustRegister(
		m.framesProduced,
		m.framesBroadcast,
		m.framesDropped,
		m.commandsAccepted,
		m.commandsDropped,
		m.sessions,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
