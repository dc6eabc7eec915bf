package relay

import (
	"fmt"
	"net/netip"
)

// FlowKey identifies a logical flow within the engine: destination
// address, destination port, source port. Source address is deliberately
// omitted — within the interface there is only one source host
// (spec.md §3, Flow key).
type FlowKey struct {
	DestIP   netip.Addr
	DestPort uint16
	SrcPort  uint16
}

func newFlowKey(dstIP []byte, dstPort, srcPort uint16) FlowKey {
	addr, _ := netip.AddrFromSlice(dstIP)
	return FlowKey{
		DestIP:   addr.Unmap(),
		DestPort: dstPort,
		SrcPort:  srcPort,
	}
}

// FlowKeyOf derives the flow key for an ingress packet.
func FlowKeyOf(p *Packet) FlowKey {
	return newFlowKey(p.DestinationIP(), p.DestinationPort(), p.SourcePort())
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d/%d", k.DestIP, k.DestPort, k.SrcPort)
}
