// Package metrics exposes the group runtime's packet and handshake counters
// as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	packetsIn     *prometheus.CounterVec
	packetsOut    *prometheus.CounterVec
	packetDrops   *prometheus.CounterVec
	handshakes    *prometheus.CounterVec
	retransmits   prometheus.Counter
	ackRequests   prometheus.Counter
	peerTimeouts  prometheus.Counter
	groupsActive  prometheus.Gauge
	peersPerGroup *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshchat", Name: "packets_in_total",
			Help: "Inbound group packets by outer kind.",
		}, []string{"kind"}),
		packetsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshchat", Name: "packets_out_total",
			Help: "Outbound group packets by outer kind.",
		}, []string{"kind"}),
		packetDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshchat", Name: "packet_drops_total",
			Help: "Dropped inbound packets by reason.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshchat", Name: "handshakes_total",
			Help: "Handshake packets by direction and outcome.",
		}, []string{"direction", "outcome"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshchat", Name: "retransmits_total",
			Help: "Lossless frames re-sent by the periodic driver or on a peer's request.",
		}),
		ackRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshchat", Name: "ack_requests_total",
			Help: "Requests sent for missing lossless message ids.",
		}),
		peerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshchat", Name: "peer_timeouts_total",
			Help: "Peers deleted for inactivity.",
		}),
		groupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshchat", Name: "groups_active",
			Help: "Groups currently held by the session.",
		}),
		peersPerGroup: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshchat", Name: "group_peers",
			Help: "Peer table size per group.",
		}, []string{"group"}),
	}
	if reg != nil {
		reg.MustRegister(m.packetsIn, m.packetsOut, m.packetDrops, m.handshakes,
			m.retransmits, m.ackRequests, m.peerTimeouts, m.groupsActive, m.peersPerGroup)
	}
	return m
}

func (m *Metrics) IncPacketIn(kind string) {
	if m == nil {
		return
	}
	m.packetsIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPacketOut(kind string) {
	if m == nil {
		return
	}
	m.packetsOut.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPacketDrop(reason string) {
	if m == nil {
		return
	}
	m.packetDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncHandshake(direction, outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) IncRetransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

func (m *Metrics) IncAckRequest() {
	if m == nil {
		return
	}
	m.ackRequests.Inc()
}

func (m *Metrics) IncPeerTimeout() {
	if m == nil {
		return
	}
	m.peerTimeouts.Inc()
}

func (m *Metrics) SetGroupsActive(n int) {
	if m == nil {
		return
	}
	m.groupsActive.Set(float64(n))
}

func (m *Metrics) SetGroupPeers(group string, n int) {
	if m == nil {
		return
	}
	m.peersPerGroup.WithLabelValues(group).Set(float64(n))
}

func (m *Metrics) DropGroup(group string) {
	if m == nil {
		return
	}
	m.peersPerGroup.DeleteLabelValues(group)
}
