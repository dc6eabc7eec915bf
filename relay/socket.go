package relay

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func sockaddr4(ip net.IP, port uint16) unix.SockaddrInet4 {
	var sa unix.SockaddrInet4
	sa.Port = int(port)
	ip4 := ip.To4()
	copy(sa.Addr[:], ip4)
	return sa
}

// dialUDPNonblocking opens a non-blocking, protected, connected UDP
// socket to dest (spec.md §4.2 step 2).
func dialUDPNonblocking(protect ProtectFunc, dest Endpoint) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("relay: udp socket: %w", err)
	}
	if err := protect(fd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("relay: protect udp socket: %w", err)
	}
	sa := sockaddr4(dest.IP, dest.Port)
	if err := unix.Connect(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("relay: udp connect: %w", err)
	}
	return fd, nil
}

// dialTCPNonblocking opens a non-blocking, protected TCP socket and
// starts an asynchronous connect to dest. inProgress reports whether the
// connect must be finished later via finishConnect (spec.md §4.3,
// "initiates connect(destination)").
func dialTCPNonblocking(protect ProtectFunc, dest Endpoint) (fd int, inProgress bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, fmt.Errorf("relay: tcp socket: %w", err)
	}
	if err := protect(fd); err != nil {
		unix.Close(fd)
		return -1, false, fmt.Errorf("relay: protect tcp socket: %w", err)
	}
	sa := sockaddr4(dest.IP, dest.Port)
	err = unix.Connect(fd, &sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, fmt.Errorf("relay: tcp connect: %w", err)
}

// finishConnect resolves a non-blocking connect once the socket has
// signaled writable, returning the pending connect error if any.
func finishConnect(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// shutdownWrite half-closes the write side of a stream socket
// (spec.md §4.3, "graceful shutdown of output").
func shutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// shutdownRead half-closes the read side of a stream socket.
func shutdownRead(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RD)
}
