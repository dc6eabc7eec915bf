package relay

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Events is a readiness interest/result bitmask.
type Events uint8

const (
	EventRead Events = 1 << iota
	EventWrite
)

// ReadyEvent reports what became ready for one registered key.
type ReadyEvent struct {
	Key        int
	Readable   bool
	Writable   bool
	Err        bool
	Attachment any
}

type selectorSlot struct {
	fd         int
	interest   Events
	attachment any
	live       bool
}

// Selector multiplexes readiness across many non-blocking sockets with a
// single unix.Poll call per Wait, following the poll-loop idiom used
// elsewhere in the pack for readiness-driven fds (retry on EINTR, ignore
// EAGAIN on the accompanying read). Keys are small integer handles into
// a slab rather than pointers, so the flow table backing an attachment
// can be mutated freely without invalidating a registration (spec.md
// §9, "Selector attachments").
type Selector struct {
	mu    sync.Mutex
	slots []selectorSlot
	free  []int

	wakeRead  int
	wakeWrite int
	wakeKey   int
}

// NewSelector creates a selector with an internal wakeup pipe already
// registered, so Wake can interrupt a blocked Wait.
func NewSelector() (*Selector, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("relay: selector wakeup pipe: %w", err)
	}
	s := &Selector{
		wakeRead:  fds[0],
		wakeWrite: fds[1],
	}
	s.wakeKey = s.register(s.wakeRead, EventRead, nil)
	return s, nil
}

func (s *Selector) register(fd int, interest Events, attachment any) int {
	slot := selectorSlot{fd: fd, interest: interest, attachment: attachment, live: true}
	if n := len(s.free); n > 0 {
		key := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[key] = slot
		return key
	}
	s.slots = append(s.slots, slot)
	return len(s.slots) - 1
}

// Register adds fd to the selector with the given interest and returns
// its handle.
func (s *Selector) Register(fd int, interest Events, attachment any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(fd, interest, attachment)
}

// SetInterest replaces the interest bits for a live key.
func (s *Selector) SetInterest(key int, interest Events) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key < 0 || key >= len(s.slots) || !s.slots[key].live {
		return
	}
	s.slots[key].interest = interest
}

// Attachment returns the attachment stored for a live key, or nil.
func (s *Selector) Attachment(key int) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key < 0 || key >= len(s.slots) || !s.slots[key].live {
		return nil
	}
	return s.slots[key].attachment
}

// Deregister removes a key. It does not close the underlying fd.
func (s *Selector) Deregister(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key < 0 || key >= len(s.slots) || !s.slots[key].live {
		return
	}
	s.slots[key] = selectorSlot{}
	s.free = append(s.free, key)
}

// Wake interrupts a blocked Wait so a newly registered key is picked up
// immediately instead of after the current timeout (spec.md §4.2, "wake
// the UDP selector").
func (s *Selector) Wake() {
	var b [1]byte
	unix.Write(s.wakeWrite, b[:])
}

func (s *Selector) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wait polls all registered keys, blocking up to timeoutMs (-1 for
// forever, 0 for a non-blocking selectNow per spec.md §4.3 Phase B).
func (s *Selector) Wait(timeoutMs int) ([]ReadyEvent, error) {
	s.mu.Lock()
	pollFds := make([]unix.PollFd, 0, len(s.slots))
	keys := make([]int, 0, len(s.slots))
	for key, slot := range s.slots {
		if !slot.live {
			continue
		}
		var events int16
		if slot.interest&EventRead != 0 {
			events |= unix.POLLIN
		}
		if slot.interest&EventWrite != 0 {
			events |= unix.POLLOUT
		}
		pollFds = append(pollFds, unix.PollFd{Fd: int32(slot.fd), Events: events})
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for {
		_, err := unix.Poll(pollFds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("relay: selector poll: %w", err)
		}
		break
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []ReadyEvent
	for i, pfd := range pollFds {
		if pfd.Revents == 0 {
			continue
		}
		key := keys[i]
		if key == s.wakeKey {
			s.drainWake()
			continue
		}
		if key >= len(s.slots) || !s.slots[key].live {
			continue
		}
		ready = append(ready, ReadyEvent{
			Key:        key,
			Readable:   pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0,
			Writable:   pfd.Revents&unix.POLLOUT != 0,
			Err:        pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
			Attachment: s.slots[key].attachment,
		})
	}
	return ready, nil
}

// Close releases the wakeup pipe. Registered sockets are owned by their
// callers and are not closed here.
func (s *Selector) Close() {
	unix.Close(s.wakeRead)
	unix.Close(s.wakeWrite)
}
