//go:build linux

package dynlistener

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Transport is the byte stream of one connection. Read returns
// ErrWouldBlock once the socket is drained and io.EOF on orderly close.
type Transport interface {
	Handshake() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// TransportFactory wraps an accepted, non-blocking descriptor.
type TransportFactory func(fd int) Transport

// ByteSource is anything the worker can pull bytes from.
type ByteSource interface {
	Read(p []byte) (int, error)
}

// SocketTransport is the plaintext transport. Writes wait at most
// sendTimeout for the socket to become writable.
func SocketTransport(sendTimeout time.Duration) TransportFactory {
	return func(fd int) Transport {
		return &socketTransport{
			source:      NewSocketSource(fd),
			fd:          fd,
			sendTimeout: sendTimeout,
		}
	}
}

type socketTransport struct {
	source      ByteSource
	fd          int
	sendTimeout time.Duration
}

func (t *socketTransport) Handshake() error {
	return nil
}

func (t *socketTransport) Read(p []byte) (int, error) {
	return t.source.Read(p)
}

func (t *socketTransport) Write(p []byte) (int, error) {
	return writeFd(t.fd, p, t.sendTimeout)
}

func (t *socketTransport) Close() error {
	return nil
}

// NewSocketSource reads a non-blocking socket.
func NewSocketSource(fd int) ByteSource {
	return socketSource(fd)
}

type socketSource int

func (s socketSource) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(s), p)
		switch {
		case err == nil:
			if n == 0 && len(p) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case errors.Is(err, unix.ECONNRESET):
			return 0, io.EOF
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// NewFileSource opens path for reading. The caller closes the file.
func NewFileSource(path string) (*os.File, error) {
	return os.Open(path)
}

func NewMemorySource(data []byte) ByteSource {
	return bytes.NewReader(data)
}

// writeFd writes all of p, polling for writability on EAGAIN until
// timeout. A zero timeout fails on the first EAGAIN.
func writeFd(fd int, p []byte, timeout time.Duration) (int, error) {
	written := 0
	var deadline time.Time
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if timeout <= 0 {
				return written, ErrWouldBlock
			}
			if deadline.IsZero() {
				deadline = time.Now().Add(timeout)
			}
			if err := pollFd(fd, unix.POLLOUT, deadline); err != nil {
				return written, err
			}
		default:
			return written, os.NewSyscallError("write", err)
		}
	}
	return written, nil
}

// pollFd waits until fd reports events or deadline passes.
func pollFd(fd int, events int16, deadline time.Time) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return os.ErrDeadlineExceeded
		}
		msec := int((remaining + time.Millisecond - 1) / time.Millisecond)
		n, err := unix.Poll(fds, msec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return os.NewSyscallError("poll", err)
		}
		if n > 0 {
			if fds[0].Revents&unix.POLLNVAL != 0 {
				return ErrDescriptorInvalid
			}
			return nil
		}
	}
}
