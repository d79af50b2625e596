package tftp

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the session engine's retry/TID-lock/termination events
// (spec.md §8 properties 5 and 6) as Prometheus counters, the same role
// runZeroInc-sockstats' exporter plays for its TCP introspection data. A nil
// *Metrics is safe to use - every method is a no-op in that case, so the
// core engine never requires a metrics registry to function.
type Metrics struct {
	transfers    *prometheus.CounterVec
	retransmits  prometheus.Counter
	unknownTID   prometheus.Counter
	bytesTotal   *prometheus.CounterVec
}

// NewMetrics registers the TFTP collectors on reg and returns a *Metrics
// bound to them. Pass a dedicated *prometheus.Registry (or
// prometheus.DefaultRegisterer) from cmd/tftpd.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftp_transfers_total",
			Help: "Completed TFTP transfers by role and result.",
		}, []string{"role", "result"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftp_retransmits_total",
			Help: "DATA/ACK/OACK retransmissions issued after a timeout.",
		}),
		unknownTID: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftp_unknown_tid_total",
			Help: "Datagrams rejected for arriving from an unlocked (ip, port).",
		}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftp_bytes_total",
			Help: "Payload bytes transferred by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.transfers, m.retransmits, m.unknownTID, m.bytesTotal)
	return m
}

func (m *Metrics) incTransfer(role Role, result string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(role.String(), result).Inc()
}

func (m *Metrics) incRetransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

func (m *Metrics) incUnknownTID() {
	if m == nil {
		return
	}
	m.unknownTID.Inc()
}

func (m *Metrics) addBytes(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}
