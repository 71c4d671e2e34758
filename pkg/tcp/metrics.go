package tcp

import "github.com/prometheus/client_golang/prometheus"

// Metrics are counters/gauges the state machine increments purely for
// observability; nothing in Components C/D/E ever reads them back to
// make a decision. spec.md names no metrics surface — this is ambient
// domain-stack wiring (SPEC_FULL.md §11), optional and safe to leave
// nil.
type Metrics struct {
	segmentsSent      prometheus.Counter
	segmentsRecv      prometheus.Counter
	retransmits       prometheus.Counter
	acksProcessed     prometheus.Counter
	activeConnections prometheus.Gauge
}

// NewMetrics registers the stack's counters with reg and returns a
// Metrics ready to pass to Accept/ConnectionManager.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		segmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usertcp", Name: "segments_sent_total",
			Help: "Segments emitted to the TUN device.",
		}),
		segmentsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usertcp", Name: "segments_received_total",
			Help: "Segments read from the TUN device and matched to a connection.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usertcp", Name: "retransmits_total",
			Help: "Segments resent after the retransmission timer fired.",
		}),
		acksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usertcp", Name: "acks_processed_total",
			Help: "Inbound ACKs that retired at least one send_times entry.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usertcp", Name: "active_connections",
			Help: "Connections currently tracked by the ConnectionManager.",
		}),
	}
	reg.MustRegister(m.segmentsSent, m.segmentsRecv, m.retransmits, m.acksProcessed, m.activeConnections)
	return m
}
