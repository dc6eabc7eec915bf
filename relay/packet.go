package relay

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Base header sizes, matching the assumed codec library's exported
// constants (spec.md §6). Options are out of scope (spec.md Non-goals),
// so these are the fixed sizes for option-free headers.
const (
	IP4HeaderSize = 20
	UDPHeaderSize = 8
	TCPHeaderSize = 20
)

// TCPFlags mirrors the codec's exported TCP flag bit values.
type TCPFlags uint8

const (
	FlagSYN TCPFlags = 1 << iota
	FlagACK
	FlagFIN
	FlagRST
)

func (f TCPFlags) Has(bit TCPFlags) bool {
	return f&bit != 0
}

func (f TCPFlags) String() string {
	s := ""
	for _, x := range []struct {
		bit  TCPFlags
		name string
	}{{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}} {
		if f.Has(x.bit) {
			if s != "" {
				s += "|"
			}
			s += x.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// Endpoint is a (address, port) pair as it should appear on the wire,
// used both to read a parsed header and to address a synthesized reply.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Packet is an owned byte region paired with its decoded IPv4 header and
// TCP or UDP header view. Once parsed, the header views are read-only;
// only Payload is ever mutated in place by callers (never here).
type Packet struct {
	raw []byte

	ip4 layers.IPv4
	tcp layers.TCP
	udp layers.UDP

	isTCP bool
	isUDP bool

	payload []byte
}

// ParseIP4 decodes raw as an IPv4 packet. Only UDP and TCP payloads are
// decoded further; other protocols are returned with isUDP=isTCP=false
// so the caller can count and discard per spec.md §4.1.
func ParseIP4(raw []byte) (*Packet, error) {
	p := &Packet{raw: raw}

	if err := p.ip4.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("relay: decode ip4: %w", err)
	}

	switch p.ip4.Protocol {
	case layers.IPProtocolUDP:
		if err := p.udp.DecodeFromBytes(p.ip4.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("relay: decode udp: %w", err)
		}
		p.isUDP = true
		p.payload = p.udp.Payload
	case layers.IPProtocolTCP:
		if err := p.tcp.DecodeFromBytes(p.ip4.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("relay: decode tcp: %w", err)
		}
		p.isTCP = true
		p.payload = p.tcp.Payload
	}

	return p, nil
}

func (p *Packet) IsTCP() bool { return p.isTCP }
func (p *Packet) IsUDP() bool { return p.isUDP }

// Id is the packet identifier assigned by the sender, the IPv4
// identification field.
func (p *Packet) Id() uint16 { return p.ip4.Id }

func (p *Packet) SourceIP() net.IP      { return p.ip4.SrcIP }
func (p *Packet) DestinationIP() net.IP { return p.ip4.DstIP }

func (p *Packet) SourcePort() uint16 {
	if p.isTCP {
		return uint16(p.tcp.SrcPort)
	}
	return uint16(p.udp.SrcPort)
}

func (p *Packet) DestinationPort() uint16 {
	if p.isTCP {
		return uint16(p.tcp.DstPort)
	}
	return uint16(p.udp.DstPort)
}

func (p *Packet) Payload() []byte { return p.payload }

// TCP header accessors. Only valid when IsTCP() is true.

func (p *Packet) IsSYN() bool { return p.tcp.SYN }
func (p *Packet) IsACK() bool { return p.tcp.ACK }
func (p *Packet) IsFIN() bool { return p.tcp.FIN }
func (p *Packet) IsRST() bool { return p.tcp.RST }

func (p *Packet) Flags() TCPFlags {
	var f TCPFlags
	if p.tcp.SYN {
		f |= FlagSYN
	}
	if p.tcp.ACK {
		f |= FlagACK
	}
	if p.tcp.FIN {
		f |= FlagFIN
	}
	if p.tcp.RST {
		f |= FlagRST
	}
	return f
}

func (p *Packet) Seq() uint32 { return p.tcp.Seq }
func (p *Packet) Ack() uint32 { return p.tcp.Ack }

// BuildUDPReply constructs a synthesized IPv4+UDP reply packet: from is
// the address the reply appears to come from (the device's original
// destination), to is the address it is addressed to (the device's
// original source). ipID is the IPv4 identification field to stamp.
func BuildUDPReply(from, to Endpoint, ipID uint16, payload []byte) ([]byte, error) {
	ip4 := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       ipID,
		SrcIP:    from.IP,
		DstIP:    to.IP,
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(from.Port),
		DstPort: layers.UDPPort(to.Port),
	}
	udp.SetNetworkLayerForChecksum(ip4)

	return serializeReply(ip4, udp, payload)
}

// BuildTCPReply constructs a synthesized IPv4+TCP reply segment carrying
// flags/seq/ack and an optional payload. ipID is the pipe's packId.
func BuildTCPReply(from, to Endpoint, flags TCPFlags, seq, ack uint32, ipID uint16, payload []byte) ([]byte, error) {
	ip4 := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       ipID,
		SrcIP:    from.IP,
		DstIP:    to.IP,
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(from.Port),
		DstPort: layers.TCPPort(to.Port),
		Seq:     seq,
		Ack:     ack,
		SYN:     flags.Has(FlagSYN),
		ACK:     flags.Has(FlagACK),
		FIN:     flags.Has(FlagFIN),
		RST:     flags.Has(FlagRST),
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip4)

	return serializeReply(ip4, tcp, payload)
}

func serializeReply(ip4 *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	options := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	buffer := gopacket.NewSerializeBufferExpectedSize(IP4HeaderSize+TCPHeaderSize+len(payload), 0)

	var err error
	if len(payload) == 0 {
		err = gopacket.SerializeLayers(buffer, options,
			gopacket.SerializableLayer(ip4),
			transport,
		)
	} else {
		err = gopacket.SerializeLayers(buffer, options,
			gopacket.SerializableLayer(ip4),
			transport,
			gopacket.Payload(payload),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("relay: serialize reply: %w", err)
	}

	out := make([]byte, len(buffer.Bytes()))
	copy(out, buffer.Bytes())
	return out, nil
}
