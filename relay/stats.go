package relay

import "sync/atomic"

// Stats holds the engine's observable monotonic counters (spec.md §5,
// "Two observable byte counters are monotonic"). Any counter here may be
// read from any goroutine; only eventual consistency is required.
type Stats struct {
	ingressBytes atomic.Uint64
	egressBytes  atomic.Uint64

	ingressUDP       atomic.Uint64
	ingressTCP       atomic.Uint64
	ingressDiscarded atomic.Uint64

	egressPackets atomic.Uint64

	udpFlowsOpened atomic.Uint64
	udpFlowsClosed atomic.Uint64

	tcpFlowsOpened atomic.Uint64
	tcpFlowsClosed atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats for reporting.
type Snapshot struct {
	IngressBytes     uint64
	EgressBytes      uint64
	IngressUDP       uint64
	IngressTCP       uint64
	IngressDiscarded uint64
	EgressPackets    uint64
	UDPFlowsOpened   uint64
	UDPFlowsClosed   uint64
	TCPFlowsOpened   uint64
	TCPFlowsClosed   uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		IngressBytes:     s.ingressBytes.Load(),
		EgressBytes:      s.egressBytes.Load(),
		IngressUDP:       s.ingressUDP.Load(),
		IngressTCP:       s.ingressTCP.Load(),
		IngressDiscarded: s.ingressDiscarded.Load(),
		EgressPackets:    s.egressPackets.Load(),
		UDPFlowsOpened:   s.udpFlowsOpened.Load(),
		UDPFlowsClosed:   s.udpFlowsClosed.Load(),
		TCPFlowsOpened:   s.tcpFlowsOpened.Load(),
		TCPFlowsClosed:   s.tcpFlowsClosed.Load(),
	}
}
