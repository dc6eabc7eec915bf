package relay

// TCPStatus is the pipe's position in the simplified state machine
// (spec.md §3, §4.3).
type TCPStatus int

const (
	StatusSynSent TCPStatus = iota
	StatusSynReceived
	StatusEstablished
	StatusCloseWait
	StatusLastAck
	StatusClosed
)

func (s TCPStatus) String() string {
	switch s {
	case StatusSynSent:
		return "SYN_SENT"
	case StatusSynReceived:
		return "SYN_RECEIVED"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusCloseWait:
		return "CLOSE_WAIT"
	case StatusLastAck:
		return "LAST_ACK"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// tcpPipe is the per-flow state of the TCP termination state machine
// (spec.md §3, TCP pipe).
type tcpPipe struct {
	key FlowKey

	fd          int
	selectorKey int
	interest    Events

	remote Endpoint // reply source: the device's original destination
	local  Endpoint // reply destination: the device's original source

	mySequenceNum           uint32
	theirSequenceNum        uint32
	myAcknowledgementNum    uint32
	theirAcknowledgementNum uint32

	status TCPStatus

	upActive   bool // upstream write side still open
	downActive bool // upstream read side still open

	remoteOutBuffer []byte

	packId    uint16
	synCount  int
	tunnelId  uint64
	connected bool // finalized non-blocking connect
}

func newTCPPipe(key FlowKey, fd int, remote, local Endpoint, tunnelId uint64) *tcpPipe {
	return &tcpPipe{
		key:         key,
		fd:          fd,
		selectorKey: -1,
		remote:      remote,
		local:       local,
		status:      StatusSynSent,
		upActive:    true,
		downActive:  true,
		tunnelId:    tunnelId,
	}
}

// nextPackId returns the next identifier used to synthesize an IP
// packet back to the device (spec.md §3, packId), and advances it.
func (p *tcpPipe) nextPackId() uint16 {
	p.packId++
	return p.packId
}

// applyEmitAdjustment applies the sequence bookkeeping rule that follows
// every emitted segment (spec.md §4.3, "Sequence/ack update rules on
// outgoing segments"): SYN and FIN each advance mySequenceNum by 1, and
// a payload-bearing ACK advances it by the payload length. The rule is
// applied once per emitted segment regardless of how many flags are set,
// so SYN+ACK (with no payload) only advances by 1, not by 2.
func (p *tcpPipe) applyEmitAdjustment(flags TCPFlags, payloadLen int) {
	switch {
	case flags.Has(FlagSYN):
		p.mySequenceNum++
	case flags.Has(FlagFIN):
		p.mySequenceNum++
	case flags.Has(FlagACK) && payloadLen > 0:
		p.mySequenceNum += uint32(payloadLen)
	}
}
