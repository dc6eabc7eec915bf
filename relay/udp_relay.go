package relay

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"

	"golang.org/x/sync/errgroup"
)

const udpReadBufferSize = 16 * 1024

// udpFlow is the upstream connected datagram socket for one flow, plus
// the addresses it should appear to use in synthesized replies: the
// address the device originally targeted, not necessarily the address
// the socket binds to (spec.md §3, UDP flow entry).
type udpFlow struct {
	key    FlowKey
	fd     int
	remote Endpoint // reply source: the device's original destination
	local  Endpoint // reply destination: the device's original source

	selectorKey int  // -1 until the receive loop registers it
	closed      bool // set under UDPRelay.mu once evicted
}

// UDPRelay is component 4.2: stateless-ish forwarding of datagrams with
// a per-flow upstream socket. Its flow table is guarded by a mutex
// because both the send loop (creates/evicts on write error) and the
// receive loop (registers, evicts on read error) touch it, following
// the stateLock pattern the teacher uses for its own concurrently
// touched path maps (connect/ip_remote_multi_client.go).
type UDPRelay struct {
	protect      ProtectFunc
	ingress      *Queue[*Packet]
	egress       *Queue[[]byte]
	registration *Queue[*udpFlow]
	selector     *Selector
	stats        *Stats
	log          LogFunction

	mu    sync.Mutex
	flows map[FlowKey]*udpFlow

	ipID uint32 // this relay's monotonic IP identification counter
}

func NewUDPRelay(
	protect ProtectFunc,
	ingress *Queue[*Packet],
	egress *Queue[[]byte],
	selector *Selector,
	stats *Stats,
	log LogFunction,
) *UDPRelay {
	return &UDPRelay{
		protect:      protect,
		ingress:      ingress,
		egress:       egress,
		registration: NewQueue[*udpFlow](1024),
		selector:     selector,
		stats:        stats,
		log:          log,
		flows:        make(map[FlowKey]*udpFlow),
	}
}

// Run drives both the send loop and the receive loop until ctx is done,
// mirroring the egress.go pattern of pairing two directions with an
// errgroup (connect/netstack/egress/egress.go).
func (r *UDPRelay) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		r.runSend(ctx)
		return nil
	})
	group.Go(func() error {
		r.runReceive(ctx)
		return nil
	})
	return group.Wait()
}

func (r *UDPRelay) runSend(ctx context.Context) {
	for {
		packet, ok := r.ingress.Take(ctx)
		if !ok {
			return
		}
		r.handlePacket(packet)
	}
}

func (r *UDPRelay) handlePacket(packet *Packet) {
	key := FlowKeyOf(packet)

	r.mu.Lock()
	flow, exists := r.flows[key]
	r.mu.Unlock()

	if !exists {
		dest := Endpoint{IP: packet.DestinationIP(), Port: packet.DestinationPort()}
		fd, err := dialUDPNonblocking(r.protect, dest)
		if err != nil {
			r.log("drop udp flow %s: %v", key, err)
			return
		}
		flow = &udpFlow{
			key:         key,
			fd:          fd,
			remote:      dest,
			local:       Endpoint{IP: packet.SourceIP(), Port: packet.SourcePort()},
			selectorKey: -1,
		}
		r.mu.Lock()
		r.flows[key] = flow
		r.mu.Unlock()

		r.stats.udpFlowsOpened.Add(1)
		if !r.registration.Offer(flow) {
			r.log("udp registration queue full, dropping registration for %s", key)
		}
		r.selector.Wake()
	}

	payload := packet.Payload()
	n, err := unix.Write(flow.fd, payload)
	if err != nil || n != len(payload) {
		r.log("udp write error on %s: %v", key, err)
		r.evict(flow)
		return
	}
}

func (r *UDPRelay) evict(flow *udpFlow) {
	r.mu.Lock()
	if flow.closed {
		r.mu.Unlock()
		return
	}
	flow.closed = true
	delete(r.flows, flow.key)
	selectorKey := flow.selectorKey
	r.mu.Unlock()

	if selectorKey >= 0 {
		r.selector.Deregister(selectorKey)
	}
	unix.Close(flow.fd)
	r.stats.udpFlowsClosed.Add(1)
}

func (r *UDPRelay) runReceive(ctx context.Context) {
	buf := make([]byte, udpReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.drainRegistrations()

		events, err := r.selector.Wait(-1)
		if err != nil {
			r.log("udp selector wait error: %v", err)
			return
		}
		for _, ev := range events {
			flow, ok := ev.Attachment.(*udpFlow)
			if !ok || flow == nil {
				continue
			}
			if ev.Err {
				r.evict(flow)
				continue
			}
			if ev.Readable {
				r.drainFlow(flow, buf)
			}
		}
	}
}

func (r *UDPRelay) drainRegistrations() {
	for {
		flow, ok := r.registration.TryTake()
		if !ok {
			return
		}
		r.mu.Lock()
		closed := flow.closed
		r.mu.Unlock()
		if closed {
			continue
		}
		key := r.selector.Register(flow.fd, EventRead, flow)
		r.mu.Lock()
		flow.selectorKey = key
		r.mu.Unlock()
	}
}

func (r *UDPRelay) drainFlow(flow *udpFlow, buf []byte) {
	for {
		n, err := unix.Read(flow.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			r.evict(flow)
			return
		}
		if n <= 0 {
			return
		}

		ipID := r.nextIPID()
		reply, err := BuildUDPReply(flow.remote, flow.local, ipID, buf[:n])
		if err != nil {
			r.log("build udp reply: %v", err)
			continue
		}
		if !r.egress.Offer(reply) {
			r.log("egress queue full, dropping udp reply for %s", flow.key)
			continue
		}
	}
}

func (r *UDPRelay) nextIPID() uint16 {
	r.ipID++
	return uint16(r.ipID)
}

// activeFlows returns a snapshot of the flow table for diagnostics.
func (r *UDPRelay) activeFlows() []FlowKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Keys(r.flows)
}

// Close tears down every open upstream socket.
func (r *UDPRelay) Close() {
	r.mu.Lock()
	flows := maps.Values(r.flows)
	r.flows = make(map[FlowKey]*udpFlow)
	r.mu.Unlock()

	for _, flow := range flows {
		unix.Close(flow.fd)
	}
}
