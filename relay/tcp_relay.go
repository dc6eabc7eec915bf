package relay

import (
	"context"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"
)

const tcpReadBufferSize = 4 * 1024
const tcpIdleSleep = 1 * time.Millisecond

// TCPRelay is component 4.3. A single goroutine alternates Phase A
// (drain TCP-ingress) and Phase B (service the TCP selector), sleeping
// briefly between iterations only when neither phase found work
// (spec.md §4.3, §5). Because exactly one goroutine ever touches
// r.pipes, no locking is needed around the flow table.
type TCPRelay struct {
	protect  ProtectFunc
	ingress  *Queue[*Packet]
	egress   *Queue[[]byte]
	selector *Selector
	stats    *Stats
	log      LogFunction

	pipes map[FlowKey]*tcpPipe

	readBuf  [tcpReadBufferSize]byte
	tunnelId uint64
}

func NewTCPRelay(
	protect ProtectFunc,
	ingress *Queue[*Packet],
	egress *Queue[[]byte],
	selector *Selector,
	stats *Stats,
	log LogFunction,
) *TCPRelay {
	return &TCPRelay{
		protect:  protect,
		ingress:  ingress,
		egress:   egress,
		selector: selector,
		stats:    stats,
		log:      log,
		pipes:    make(map[FlowKey]*tcpPipe),
	}
}

func (t *TCPRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		workA := t.phaseA(ctx)
		workB := t.phaseB()
		if !workA && !workB {
			time.Sleep(tcpIdleSleep)
		}
	}
}

// phaseA drains the TCP-ingress queue with a non-blocking take, since
// the TCP relay never suspends on a queue (spec.md §5).
func (t *TCPRelay) phaseA(ctx context.Context) bool {
	did := false
	for {
		select {
		case <-ctx.Done():
			return did
		default:
		}
		packet, ok := t.ingress.TryTake()
		if !ok {
			return did
		}
		did = true
		t.handlePacket(packet)
	}
}

func (t *TCPRelay) phaseB() bool {
	events, err := t.selector.Wait(0)
	if err != nil {
		t.log("tcp selector wait error: %v", err)
		return false
	}
	for _, ev := range events {
		pipe, ok := ev.Attachment.(*tcpPipe)
		if !ok || pipe == nil {
			continue
		}
		t.serviceEvent(pipe, ev)
	}
	return len(events) > 0
}

func (t *TCPRelay) handlePacket(packet *Packet) {
	key := FlowKeyOf(packet)

	pipe, exists := t.pipes[key]
	if !exists {
		dest := Endpoint{IP: packet.DestinationIP(), Port: packet.DestinationPort()}
		fd, _, err := dialTCPNonblocking(t.protect, dest)
		if err != nil {
			t.log("drop tcp flow %s: %v", key, err)
			return
		}
		t.tunnelId++
		pipe = newTCPPipe(key, fd, dest, Endpoint{IP: packet.SourceIP(), Port: packet.SourcePort()}, t.tunnelId)
		pipe.selectorKey = t.selector.Register(fd, EventWrite, pipe)
		pipe.interest = EventWrite
		t.pipes[key] = pipe
		t.stats.tcpFlowsOpened.Add(1)
	}

	switch {
	case packet.IsSYN():
		t.handleSyn(pipe, packet)
	case packet.IsRST():
		t.handleRst(pipe)
	case packet.IsFIN():
		t.handleFin(pipe, packet)
	case packet.IsACK():
		t.handleAck(pipe, packet)
	}
}

func (t *TCPRelay) handleSyn(pipe *tcpPipe, packet *Packet) {
	if pipe.synCount == 0 {
		pipe.theirSequenceNum = packet.Seq()
		pipe.myAcknowledgementNum = packet.Seq() + 1
		pipe.mySequenceNum = 1
		pipe.status = StatusSynReceived
		t.sendTcpPack(pipe, FlagSYN|FlagACK, nil)
	} else {
		pipe.myAcknowledgementNum = packet.Seq() + 1
	}
	pipe.synCount++
}

func (t *TCPRelay) handleRst(pipe *tcpPipe) {
	pipe.upActive = false
	pipe.downActive = false
	pipe.status = StatusCloseWait
	t.purge(pipe)
}

func (t *TCPRelay) handleFin(pipe *tcpPipe, packet *Packet) {
	pipe.myAcknowledgementNum = packet.Seq() + 1
	pipe.theirAcknowledgementNum = packet.Ack() + 1
	t.sendTcpPack(pipe, FlagACK, nil)

	if err := shutdownWrite(pipe.fd); err != nil {
		t.log("shutdown write on %s: %v", pipe.key, err)
	}
	pipe.upActive = false
	pipe.status = StatusCloseWait

	if !pipe.downActive {
		t.purge(pipe)
	}
}

func (t *TCPRelay) handleAck(pipe *tcpPipe, packet *Packet) {
	if pipe.status == StatusSynReceived {
		pipe.status = StatusEstablished
	}

	payload := packet.Payload()
	if len(payload) == 0 {
		// An empty ACK while we're waiting on the device to acknowledge our
		// own upstream-EOF FIN closes out the upstream-initiated half
		// (spec.md §9 open question, LAST_ACK).
		if pipe.status == StatusLastAck {
			t.purge(pipe)
		}
		return
	}

	end := packet.Seq() + uint32(len(payload))
	if !seqLT(pipe.myAcknowledgementNum, end) {
		// seg.seq + len <= myAcknowledgementNum: duplicate, drop silently.
		return
	}

	pipe.myAcknowledgementNum = end
	// Overwrites remoteOutBuffer without checking whether a previous
	// payload is still pending flush (spec.md §9 open question):
	// back-to-back ACKs from the device can clobber buffered bytes.
	pipe.remoteOutBuffer = append([]byte(nil), payload...)
	t.flush(pipe)
	if pipe.status != StatusClosed {
		t.sendTcpPack(pipe, FlagACK, nil)
	}
}

func (t *TCPRelay) serviceEvent(pipe *tcpPipe, ev ReadyEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.log("panic servicing tcp pipe %s: %v", pipe.key, r)
			t.closeRst(pipe)
		}
	}()

	if ev.Err {
		t.closeRst(pipe)
		return
	}

	if ev.Writable && !pipe.connected {
		if err := finishConnect(pipe.fd); err != nil {
			t.closeRst(pipe)
			return
		}
		pipe.connected = true
		t.setInterest(pipe, EventRead|EventWrite)
		return
	}

	if ev.Readable {
		t.serviceReadable(pipe)
		if pipe.status == StatusClosed {
			return
		}
	}

	if ev.Writable && pipe.connected {
		t.flush(pipe)
	}
}

func (t *TCPRelay) serviceReadable(pipe *tcpPipe) {
	for {
		n, err := unix.Read(pipe.fd, t.readBuf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			t.closeRst(pipe)
			return
		}
		if n == 0 {
			if err := shutdownRead(pipe.fd); err != nil {
				t.log("shutdown read on %s: %v", pipe.key, err)
			}
			t.setInterest(pipe, pipe.interest&^EventRead)
			t.sendTcpPack(pipe, FlagFIN|FlagACK, nil)
			pipe.downActive = false
			if pipe.status == StatusEstablished {
				pipe.status = StatusLastAck
			}
			if !pipe.upActive {
				t.purge(pipe)
			}
			return
		}
		if pipe.status != StatusCloseWait {
			t.sendTcpPack(pipe, FlagACK, t.readBuf[:n])
		}
	}
}

// flush attempts a non-blocking write of remoteOutBuffer, following
// spec.md §4.3 "Upstream write back-pressure": a partial or zero write
// arms WRITE interest and leaves the unwritten tail at the front of the
// buffer for the next writable event.
func (t *TCPRelay) flush(pipe *tcpPipe) {
	if len(pipe.remoteOutBuffer) == 0 {
		return
	}
	if !pipe.upActive {
		t.sendTcpPack(pipe, FlagFIN|FlagACK, nil)
		pipe.remoteOutBuffer = nil
		return
	}

	n, err := unix.Write(pipe.fd, pipe.remoteOutBuffer)
	if err != nil {
		if err == unix.EAGAIN {
			n = 0
		} else {
			t.closeRst(pipe)
			return
		}
	}
	if n <= 0 {
		t.setInterest(pipe, pipe.interest|EventWrite)
		return
	}

	pipe.remoteOutBuffer = pipe.remoteOutBuffer[n:]
	if len(pipe.remoteOutBuffer) == 0 {
		t.setInterest(pipe, pipe.interest&^EventWrite)
	} else {
		t.setInterest(pipe, pipe.interest|EventWrite)
	}
}

func (t *TCPRelay) setInterest(pipe *tcpPipe, interest Events) {
	pipe.interest = interest
	t.selector.SetInterest(pipe.selectorKey, interest)
}

func (t *TCPRelay) sendTcpPack(pipe *tcpPipe, flags TCPFlags, payload []byte) {
	seq := pipe.mySequenceNum
	ack := pipe.myAcknowledgementNum
	ipID := pipe.nextPackId()

	reply, err := BuildTCPReply(pipe.remote, pipe.local, flags, seq, ack, ipID, payload)
	if err != nil {
		t.log("build tcp reply for %s: %v", pipe.key, err)
	} else if !t.egress.Offer(reply) {
		t.log("egress queue full, dropping tcp %s reply for %s", flags, pipe.key)
	}

	pipe.applyEmitAdjustment(flags, len(payload))
}

// closeRst purges the pipe and tells the device the flow is gone
// (spec.md §7, "mid-flow upstream failure").
func (t *TCPRelay) closeRst(pipe *tcpPipe) {
	if pipe.status == StatusClosed {
		return
	}
	t.purge(pipe)
	t.sendTcpPack(pipe, FlagRST, nil)
}

// purge removes the pipe from the flow table before any subsequent
// lookup can observe it (spec.md §8 invariant), then releases its
// upstream socket and selector registration.
func (t *TCPRelay) purge(pipe *tcpPipe) {
	if pipe.status == StatusClosed {
		return
	}
	pipe.status = StatusClosed
	delete(t.pipes, pipe.key)
	if pipe.selectorKey >= 0 {
		t.selector.Deregister(pipe.selectorKey)
	}
	unix.Close(pipe.fd)
	t.stats.tcpFlowsClosed.Add(1)
}

func (t *TCPRelay) activeFlows() []FlowKey {
	return maps.Keys(t.pipes)
}

// Close tears down every open pipe. Only safe to call after Run has
// returned, since t.pipes is otherwise owned by the relay goroutine.
func (t *TCPRelay) Close() {
	for _, pipe := range t.pipes {
		if pipe.status == StatusClosed {
			continue
		}
		unix.Close(pipe.fd)
	}
	t.pipes = make(map[FlowKey]*tcpPipe)
}
