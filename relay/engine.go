package relay

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Queue capacities match spec.md §3's "Four shared bounded queues, each
// of capacity 1024" (the fourth being the UDP relay's own registration
// queue, relay/udp_relay.go).
const (
	udpIngressCapacity = 1024
	tcpIngressCapacity = 1024
	egressCapacity     = 1024
)

// Engine owns the full set of queues, selectors, and worker loops that
// make up one running relay (spec.md §5, Concurrency & Resource Model).
// A single Engine corresponds to one TUN file descriptor.
type Engine struct {
	id ulid.ULID

	tunFd   int
	protect ProtectFunc

	stats *Stats
	log   LogFunction

	udpIngress *Queue[*Packet]
	tcpIngress *Queue[*Packet]
	egress     *Queue[[]byte]

	udpSelector *Selector
	tcpSelector *Selector

	ingress *IngressReader
	egressW *EgressWriter
	udp     *UDPRelay
	tcp     *TCPRelay

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

// NewEngine wires every component for one TUN fd without starting any
// goroutines. protect is applied to every upstream socket the relays
// open (spec.md §6, "Protect"); pass NoProtect where no such hook is
// needed.
func NewEngine(tunFd int, protect ProtectFunc) (*Engine, error) {
	if _, err := unix.FcntlInt(uintptr(tunFd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("relay: invalid tun fd %d: %w", tunFd, err)
	}

	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("relay: engine id: %w", err)
	}

	engineLog := SubLogFn(LogLevelInfo, LogFn(LogLevelUrgent, "relay"), id.String())

	udpSelector, err := NewSelector()
	if err != nil {
		return nil, fmt.Errorf("relay: udp selector: %w", err)
	}
	tcpSelector, err := NewSelector()
	if err != nil {
		udpSelector.Close()
		return nil, fmt.Errorf("relay: tcp selector: %w", err)
	}

	stats := &Stats{}

	udpIngress := NewQueue[*Packet](udpIngressCapacity)
	tcpIngress := NewQueue[*Packet](tcpIngressCapacity)
	egress := NewQueue[[]byte](egressCapacity)

	e := &Engine{
		id:          id,
		tunFd:       tunFd,
		protect:     protect,
		stats:       stats,
		log:         engineLog,
		udpIngress:  udpIngress,
		tcpIngress:  tcpIngress,
		egress:      egress,
		udpSelector: udpSelector,
		tcpSelector: tcpSelector,
	}

	e.ingress = NewIngressReader(tunFd, udpIngress, tcpIngress, stats, SubLogFn(LogLevelDebug, engineLog, "ingress"))
	e.egressW = NewEgressWriter(tunFd, egress, stats, SubLogFn(LogLevelDebug, engineLog, "egress"))
	e.udp = NewUDPRelay(protect, udpIngress, egress, udpSelector, stats, SubLogFn(LogLevelDebug, engineLog, "udp"))
	e.tcp = NewTCPRelay(protect, tcpIngress, egress, tcpSelector, stats, SubLogFn(LogLevelDebug, engineLog, "tcp"))

	return e, nil
}

// Start launches the four worker loops and returns immediately. Stop
// ends them. Cancelling ctx alone ends every loop except the UDP receive
// loop, which stays in its selector wait until Stop wakes it.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	done := make(chan error, 1)
	e.done = done

	go func() {
		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error { return e.ingress.Run(gctx) })
		group.Go(func() error { return e.egressW.Run(gctx) })
		group.Go(func() error { return e.udp.Run(gctx) })
		group.Go(func() error { return e.tcp.Run(gctx) })
		done <- group.Wait()
	}()
}

// Stop cancels every worker loop, wakes the UDP receive loop out of its
// untimed selector wait, and closes tunFd. It waits up to 2 seconds for
// the loops to return, then closes the relays' sockets, the queues and
// the selectors. Safe to call more than once.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.udpSelector.Wake()
		unix.Close(e.tunFd)

		if e.done != nil {
			select {
			case err = <-e.done:
			case <-time.After(2 * time.Second):
				err = fmt.Errorf("relay: engine stop timed out waiting for workers")
			}
		}

		e.udp.Close()
		e.tcp.Close()
		e.udpIngress.Close()
		e.tcpIngress.Close()
		e.egress.Close()
		e.udpSelector.Close()
		e.tcpSelector.Close()
	})
	return err
}

// ID identifies this engine instance for diagnostics and log correlation.
func (e *Engine) ID() string {
	return e.id.String()
}

// Stats returns a point-in-time snapshot of the engine's observable
// counters (spec.md §5).
func (e *Engine) Stats() Snapshot {
	return e.stats.Snapshot()
}

// ActiveFlows returns the keys of every flow currently open across both
// relays, for diagnostics.
func (e *Engine) ActiveFlows() (udp []FlowKey, tcp []FlowKey) {
	return e.udp.activeFlows(), e.tcp.activeFlows()
}
