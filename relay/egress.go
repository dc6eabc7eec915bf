package relay

import (
	"context"

	"golang.org/x/sys/unix"
)

// EgressWriter is component 4.4: drains the shared egress queue and
// writes each synthesized reply back out to the virtual interface in
// full, handling partial writes itself (spec.md §4.4).
type EgressWriter struct {
	tunFd  int
	egress *Queue[[]byte]
	stats  *Stats
	log    LogFunction
}

func NewEgressWriter(tunFd int, egress *Queue[[]byte], stats *Stats, log LogFunction) *EgressWriter {
	return &EgressWriter{
		tunFd:  tunFd,
		egress: egress,
		stats:  stats,
		log:    log,
	}
}

// Run blocks taking one reply at a time until ctx is done or the queue
// is closed, writing each to completion before taking the next
// (spec.md §4.4, "writes are not interleaved").
func (w *EgressWriter) Run(ctx context.Context) error {
	for {
		reply, ok := w.egress.Take(ctx)
		if !ok {
			return nil
		}
		w.writeAll(reply)
	}
}

func (w *EgressWriter) writeAll(reply []byte) {
	written := 0
	for written < len(reply) {
		n, err := unix.Write(w.tunFd, reply[written:])
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				continue
			default:
				w.log("tun write failed, dropping reply: %v", err)
				return
			}
		}
		written += n
	}
	w.stats.egressBytes.Add(uint64(written))
	w.stats.egressPackets.Add(1)
}
