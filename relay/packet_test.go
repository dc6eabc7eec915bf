package relay

import (
	"net"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func rawUDPPacket(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: srcIP, DstIP: dstIP, Protocol: layers.IPProtocolUDP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	err := gopacket.SerializeLayers(buffer, options, gopacket.SerializableLayer(ip), udp, gopacket.Payload(payload))
	assert.Equal(t, nil, err)
	return buffer.Bytes()
}

func rawTCPPacket(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags TCPFlags, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: srcIP, DstIP: dstIP, Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		Window:  1024,
		SYN:     flags.Has(FlagSYN),
		ACK:     flags.Has(FlagACK),
		FIN:     flags.Has(FlagFIN),
		RST:     flags.Has(FlagRST),
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	err := gopacket.SerializeLayers(buffer, options, gopacket.SerializableLayer(ip), tcp, gopacket.Payload(payload))
	assert.Equal(t, nil, err)
	return buffer.Bytes()
}

func TestParseIP4UDP(t *testing.T) {
	raw := rawUDPPacket(t, net.IPv4(10, 0, 0, 2), net.IPv4(93, 184, 216, 34), 40001, 53, []byte("hello"))

	packet, err := ParseIP4(raw)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, packet.IsUDP())
	assert.Equal(t, false, packet.IsTCP())
	assert.Equal(t, uint16(40001), packet.SourcePort())
	assert.Equal(t, uint16(53), packet.DestinationPort())
	assert.Equal(t, []byte("hello"), packet.Payload())
}

func TestParseIP4TCP(t *testing.T) {
	raw := rawTCPPacket(t, net.IPv4(10, 0, 0, 2), net.IPv4(93, 184, 216, 34), 40001, 443, 100, 0, FlagSYN, nil)

	packet, err := ParseIP4(raw)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, packet.IsTCP())
	assert.Equal(t, true, packet.IsSYN())
	assert.Equal(t, uint32(100), packet.Seq())
}

func TestParseIP4Malformed(t *testing.T) {
	_, err := ParseIP4([]byte{0x00, 0x01, 0x02})
	assert.NotEqual(t, nil, err)
}

func TestBuildUDPReplyRoundTrips(t *testing.T) {
	from := Endpoint{IP: net.IPv4(93, 184, 216, 34), Port: 53}
	to := Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 40001}

	reply, err := BuildUDPReply(from, to, 7, []byte("world"))
	assert.Equal(t, nil, err)

	packet, err := ParseIP4(reply)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, packet.IsUDP())
	assert.Equal(t, uint16(53), packet.SourcePort())
	assert.Equal(t, uint16(40001), packet.DestinationPort())
	assert.Equal(t, []byte("world"), packet.Payload())
}

func TestBuildTCPReplySetsFlagsAndSeq(t *testing.T) {
	from := Endpoint{IP: net.IPv4(93, 184, 216, 34), Port: 443}
	to := Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 40001}

	reply, err := BuildTCPReply(from, to, FlagSYN|FlagACK, 1, 101, 3, nil)
	assert.Equal(t, nil, err)

	packet, err := ParseIP4(reply)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, packet.IsSYN())
	assert.Equal(t, true, packet.IsACK())
	assert.Equal(t, uint32(1), packet.Seq())
	assert.Equal(t, uint32(101), packet.Ack())
}

func TestTCPFlagsString(t *testing.T) {
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	assert.Equal(t, "NONE", TCPFlags(0).String())
}
