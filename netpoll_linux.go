//go:build linux

package dynlistener

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	defEventsBufferSize = 64
	ctlRetryDelay       = time.Millisecond
	ctlMaxRetries       = 5
)

// Poller wraps one epoll instance plus an eventfd used to interrupt a
// blocked Wait from another goroutine.
type Poller struct {
	fd     int
	wakeFd int
	events []unix.EpollEvent
	closed *atomic.Bool
	logger zerolog.Logger
}

// OpenPoller creates the epoll instance. Its failure is fatal for the
// listener.
func OpenPoller(eventsBufferSize int, logger zerolog.Logger) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Fd: int32(wakeFd), Events: unix.EPOLLIN})
	if err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl add eventfd", err)
	}
	if eventsBufferSize < 1 {
		eventsBufferSize = defEventsBufferSize
	}
	return &Poller{
		fd:     fd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, eventsBufferSize),
		closed: atomic.NewBool(false),
		logger: logger,
	}, nil
}

// Wait blocks for at most timeout and calls callback for every ready
// descriptor. An interrupted wait reports zero events and no error.
func (p *Poller) Wait(timeout time.Duration, callback func(fd int, events EventMask)) (int, error) {
	msec := int(timeout / time.Millisecond)
	if timeout > 0 && msec == 0 {
		msec = 1
	}
	evCount, err := unix.EpollWait(p.fd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	handled := 0
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		if e := p.logger.Trace(); e.Enabled() {
			e.Int("fd", fd).Uint32("raw", event.Events).Msg("epoll event")
		}
		callback(fd, EventMaskFromEpoll(event.Events))
		handled++
	}
	return handled, nil
}

// Wake interrupts a concurrent Wait.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	_, err := unix.Read(p.wakeFd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		p.logger.Error().Err(err).Msg("got error while draining wake eventfd")
	}
}

func (p *Poller) Add(fd int, interest EventMask, oneShot bool) error {
	return p.control(unix.EPOLL_CTL_ADD, "epoll_ctl add", fd, interestBits(interest, oneShot))
}

func (p *Poller) Modify(fd int, interest EventMask, oneShot bool) error {
	return p.control(unix.EPOLL_CTL_MOD, "epoll_ctl mod", fd, interestBits(interest, oneShot))
}

func (p *Poller) Delete(fd int) error {
	return p.control(unix.EPOLL_CTL_DEL, "epoll_ctl del", fd, 0)
}

func interestBits(interest EventMask, oneShot bool) uint32 {
	bits := interest.epollEvents()
	if oneShot {
		bits |= unix.EPOLLONESHOT
	}
	return bits
}

// control retries interrupted calls; descriptor errors are reported as
// ErrDescriptorInvalid so callers can drop the descriptor.
func (p *Poller) control(op int, name string, fd int, events uint32) error {
	var event *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		event = &unix.EpollEvent{Fd: int32(fd), Events: events}
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(ctlRetryDelay), ctlMaxRetries)
	err := backoff.Retry(func() error {
		err := unix.EpollCtl(p.fd, op, fd, event)
		if err == nil || errors.Is(err, unix.EINTR) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err == nil {
		if e := p.logger.Trace(); e.Enabled() {
			e.Str("op", name).Int("fd", fd).Uint32("events", events).Msg("poll registration")
		}
		return nil
	}
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: %s fd %d: %v", ErrDescriptorInvalid, name, fd, err)
	}
	return os.NewSyscallError(name, err)
}

func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	wakeErr := unix.Close(p.wakeFd)
	err := unix.Close(p.fd)
	if err != nil {
		return os.NewSyscallError("close", err)
	}
	if wakeErr != nil {
		return os.NewSyscallError("close eventfd", wakeErr)
	}
	return nil
}
