package relay

import (
	"context"

	"golang.org/x/sys/unix"
)

const ingressBufferSize = 16 * 1024

// IngressReader is component 4.1: turns the byte stream from the
// virtual interface into typed packets and fans them out to the UDP or
// TCP ingress queue by protocol (spec.md §4.1).
type IngressReader struct {
	tunFd      int
	udpIngress *Queue[*Packet]
	tcpIngress *Queue[*Packet]
	stats      *Stats
	log        LogFunction
}

func NewIngressReader(tunFd int, udpIngress, tcpIngress *Queue[*Packet], stats *Stats, log LogFunction) *IngressReader {
	return &IngressReader{
		tunFd:      tunFd,
		udpIngress: udpIngress,
		tcpIngress: tcpIngress,
		stats:      stats,
		log:        log,
	}
}

// Run reads one IP packet per read call until ctx is done or the
// virtual interface fd fails. Each read is preceded by a poll with a
// 100 ms timeout, so a cancelled ctx ends the loop even when no traffic
// arrives; closing tunFd from another goroutine does not by itself
// interrupt a read that is already blocked.
func (r *IngressReader) Run(ctx context.Context) error {
	pollFds := []unix.PollFd{{Fd: int32(r.tunFd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := unix.Poll(pollFds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log("tun poll terminated: %v", err)
			return nil
		}
		if ready == 0 {
			continue
		}

		buf := make([]byte, ingressBufferSize)
		n, err := unix.Read(r.tunFd, buf)
		if err != nil {
			switch err {
			case unix.EINTR, unix.EAGAIN:
				continue
			default:
				r.log("tun read terminated: %v", err)
				return nil
			}
		}
		if n == 0 {
			continue
		}

		r.stats.ingressBytes.Add(uint64(n))
		r.handle(buf[:n])
	}
}

func (r *IngressReader) handle(raw []byte) {
	packet, err := ParseIP4(raw)
	if err != nil {
		r.stats.ingressDiscarded.Add(1)
		return
	}

	switch {
	case packet.IsUDP():
		r.stats.ingressUDP.Add(1)
		if !r.udpIngress.Offer(packet) {
			r.log("udp ingress queue full, dropping packet")
		}
	case packet.IsTCP():
		r.stats.ingressTCP.Add(1)
		if !r.tcpIngress.Offer(packet) {
			r.log("tcp ingress queue full, dropping packet")
		}
	default:
		r.stats.ingressDiscarded.Add(1)
	}
}
