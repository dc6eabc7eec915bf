package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testLog(t *testing.T) LogFunction {
	return func(format string, a ...any) {
		t.Logf(format, a...)
	}
}

// TestUDPRelayEchoesUpstreamReply exercises spec.md §8's UDP echo
// property end to end: an ingress datagram opens an upstream flow, the
// upstream's reply comes back out the egress queue addressed as if it
// came from the device's original destination.
func TestUDPRelayEchoesUpstreamReply(t *testing.T) {
	upstream, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.Equal(t, nil, err)
	defer upstream.Close()
	upstreamPort := uint16(upstream.LocalAddr().(*net.UDPAddr).Port)

	go func() {
		buf := make([]byte, 2048)
		n, from, err := upstream.ReadFromUDP(buf)
		if err != nil {
			return
		}
		upstream.WriteToUDP([]byte("pong:"+string(buf[:n])), from)
	}()

	selector, err := NewSelector()
	assert.Equal(t, nil, err)
	defer selector.Close()

	stats := &Stats{}
	ingress := NewQueue[*Packet](16)
	egress := NewQueue[[]byte](16)

	relayUDP := NewUDPRelay(NoProtect, ingress, egress, selector, stats, testLog(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go relayUDP.Run(ctx)

	raw := rawUDPPacket(t, net.IPv4(10, 0, 0, 2), net.IPv4(127, 0, 0, 1), 40001, upstreamPort, []byte("ping"))
	packet, err := ParseIP4(raw)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ingress.Offer(packet))

	reply, ok := egress.Take(ctx)
	assert.Equal(t, true, ok)

	replyPacket, err := ParseIP4(reply)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, replyPacket.IsUDP())
	assert.Equal(t, upstreamPort, replyPacket.SourcePort())
	assert.Equal(t, uint16(40001), replyPacket.DestinationPort())
	assert.Equal(t, "pong:ping", string(replyPacket.Payload()))
}

func TestUDPRelayTracksFlow(t *testing.T) {
	upstream, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.Equal(t, nil, err)
	defer upstream.Close()
	upstreamPort := uint16(upstream.LocalAddr().(*net.UDPAddr).Port)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := upstream.ReadFromUDP(buf)
			if err != nil {
				return
			}
			upstream.WriteToUDP(buf[:n], from)
		}
	}()

	selector, err := NewSelector()
	assert.Equal(t, nil, err)
	defer selector.Close()

	stats := &Stats{}
	ingress := NewQueue[*Packet](16)
	egress := NewQueue[[]byte](16)

	relayUDP := NewUDPRelay(NoProtect, ingress, egress, selector, stats, testLog(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relayUDP.Run(ctx)

	raw := rawUDPPacket(t, net.IPv4(10, 0, 0, 2), net.IPv4(127, 0, 0, 1), 41001, upstreamPort, []byte("x"))
	packet, err := ParseIP4(raw)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ingress.Offer(packet))

	_, ok := egress.Take(ctx)
	assert.Equal(t, true, ok)

	deadline := time.After(time.Second)
	for {
		if len(relayUDP.activeFlows()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("flow never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, uint64(1), stats.Snapshot().UDPFlowsOpened)
}
