package datagram

import "github.com/prometheus/client_golang/prometheus"

// metrics is the per-endpoint instrumentation set: counters for frame
// traffic and gauges for the flow-control and in-flight-message
// state. Each endpoint registers its own collectors against a private
// registry so multiple endpoints in one process never collide on
// label values.
type metrics struct {
	registry *prometheus.Registry

	framesSent         prometheus.Counter
	framesReceived     prometheus.Counter
	framesRetransmit   prometheus.Counter
	framesDropped      prometheus.Counter
	peerBufferFill     prometheus.Gauge
	inFlightMessages   prometheus.Gauge
	socketReadErrors   prometheus.Counter
}

func newMetrics(labels prometheus.Labels) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "antt_datagram_frames_sent_total",
			Help:        "Frames written to the underlying socket.",
			ConstLabels: labels,
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "antt_datagram_frames_received_total",
			Help:        "Datagrams read from the underlying socket.",
			ConstLabels: labels,
		}),
		framesRetransmit: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "antt_datagram_frames_retransmitted_total",
			Help:        "Data frames re-sent in response to a request-missing frame.",
			ConstLabels: labels,
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "antt_datagram_frames_dropped_total",
			Help:        "Datagrams dropped as malformed or with an unknown control byte.",
			ConstLabels: labels,
		}),
		peerBufferFill: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "antt_datagram_peer_buffer_estimated_fill_bytes",
			Help:        "Estimated occupancy of the peer's receive buffer.",
			ConstLabels: labels,
		}),
		inFlightMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "antt_datagram_in_flight_messages",
			Help:        "Outgoing messages not yet acknowledged with CtrlBuilt.",
			ConstLabels: labels,
		}),
		socketReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "antt_datagram_socket_read_errors_total",
			Help:        "Transient socket errors swallowed by the scheduler loop.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.framesSent, m.framesReceived, m.framesRetransmit,
		m.framesDropped, m.peerBufferFill, m.inFlightMessages, m.socketReadErrors)
	return m
}

// Registry exposes the endpoint's private prometheus registry so
// callers can fold it into a larger /metrics handler if they want.
func (e *Endpoint) Registry() *prometheus.Registry {
	return e.metrics.registry
}
