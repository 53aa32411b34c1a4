//go:build linux

package dynlistener

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	somaxconnPath    = "/proc/sys/net/core/somaxconn"
	fallbackBacklog  = 128
	keepAliveIdleSec = 60
)

// listenBacklog resolves a zero backlog to the kernel maximum.
func listenBacklog(backlog int) int {
	if backlog > 0 {
		return backlog
	}
	raw, err := os.ReadFile(somaxconnPath)
	if err != nil {
		return fallbackBacklog
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 1 {
		return fallbackBacklog
	}
	return n
}

// openListenSocket creates a non-blocking socket bound to addr. The socket
// is closed on any failure.
func openListenSocket(addr *net.TCPAddr, params Params, logger zerolog.Logger) (int, error) {
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		inet4 := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(inet4.Addr[:], ip4)
		}
		sa = inet4
	} else {
		domain = unix.AF_INET6
		inet6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(inet6.Addr[:], addr.IP.To16())
		sa = inet6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	fail := func(call string, err error) (int, error) {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError(call, err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if params.ReusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fail("setsockopt SO_REUSEPORT", err)
		}
	}
	// accepted sockets inherit the listener's buffer sizes
	setBufferSizes(fd, params.SendBufferSize, params.ReceiveBufferSize, logger)
	if err = unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err = unix.Listen(fd, listenBacklog(params.Backlog)); err != nil {
		return fail("listen", err)
	}
	return fd, nil
}

func setBufferSizes(fd, send, receive int, logger zerolog.Logger) {
	if receive > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receive); err != nil {
			logger.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
		}
	}
	if send > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, send); err != nil {
			logger.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
		}
	}
}

// setClientSocketOptions applies per-connection options to an accepted
// descriptor. Failures are logged; the connection stays usable.
func setClientSocketOptions(fd int, params Params, logger zerolog.Logger) {
	if params.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			logger.Error().Msgf("got error while setting socket options TCP_NODELAY: %+v", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		logger.Error().Msgf("got error while setting socket options SO_KEEPALIVE: %+v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepAliveIdleSec); err != nil {
		logger.Error().Msgf("got error while setting socket options TCP_KEEPIDLE: %+v", err)
	}
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	}
	return nil
}

// localAddr returns the bound address of fd, e.g. to learn an ephemeral port.
func localAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	addr := sockaddrToTCPAddr(sa)
	if addr == nil {
		return nil, fmt.Errorf("unexpected socket address type %T", sa)
	}
	return addr, nil
}
