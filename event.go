package dynlistener

import (
	"strings"

	"golang.org/x/sys/unix"
)

// EventMask is the readiness reported for one descriptor, decoupled from
// the raw epoll bits.
type EventMask uint8

const (
	EventReadable EventMask = 1 << iota
	EventWritable
	EventHangup
	EventError
)

const (
	readEvents   = unix.EPOLLIN | unix.EPOLLPRI
	writeEvents  = unix.EPOLLOUT
	hangupEvents = unix.EPOLLHUP | unix.EPOLLRDHUP
	errorEvents  = unix.EPOLLERR
)

// EventMaskFromEpoll translates raw epoll event bits.
func EventMaskFromEpoll(raw uint32) EventMask {
	var m EventMask
	if raw&readEvents != 0 {
		m |= EventReadable
	}
	if raw&writeEvents != 0 {
		m |= EventWritable
	}
	if raw&hangupEvents != 0 {
		m |= EventHangup
	}
	if raw&errorEvents != 0 {
		m |= EventError
	}
	return m
}

// epollEvents returns the interest bits for m. Hangup and error are always
// reported by epoll; EPOLLRDHUP has to be asked for.
func (m EventMask) epollEvents() uint32 {
	var raw uint32
	if m.IsReadable() {
		raw |= readEvents
	}
	if m.IsWritable() {
		raw |= writeEvents
	}
	if m.IsHungUp() {
		raw |= unix.EPOLLRDHUP
	}
	return raw
}

func (m EventMask) Has(other EventMask) bool {
	return m&other == other
}

func (m EventMask) IsReadable() bool {
	return m&EventReadable != 0
}

func (m EventMask) IsWritable() bool {
	return m&EventWritable != 0
}

func (m EventMask) IsHungUp() bool {
	return m&EventHangup != 0
}

func (m EventMask) IsErrored() bool {
	return m&EventError != 0
}

func (m EventMask) String() string {
	if m == 0 {
		return "none"
	}
	parts := make([]string, 0, 4)
	if m.IsReadable() {
		parts = append(parts, "readable")
	}
	if m.IsWritable() {
		parts = append(parts, "writable")
	}
	if m.IsHungUp() {
		parts = append(parts, "hangup")
	}
	if m.IsErrored() {
		parts = append(parts, "error")
	}
	return strings.Join(parts, "|")
}
