package dynlistener

import (
	"strings"
	"time"
)

// ConnState is the processing state carried by a work item. A single item
// may combine states, e.g. Read|Shut when data and a hangup are reported
// together.
type ConnState uint8

const (
	StateNone ConnState = 0
	StateNew  ConnState = 1 << (iota - 1)
	StateRead
	StateShut
)

func (s ConnState) Has(other ConnState) bool {
	return other != StateNone && s&other == other
}

func (s ConnState) String() string {
	if s == StateNone {
		return "None"
	}
	parts := make([]string, 0, 3)
	if s.Has(StateNew) {
		parts = append(parts, "New")
	}
	if s.Has(StateRead) {
		parts = append(parts, "Read")
	}
	if s.Has(StateShut) {
		parts = append(parts, "Shut")
	}
	return strings.Join(parts, "|")
}

// rank orders the lifecycle stages; the highest stage present wins.
func (s ConnState) rank() int {
	switch {
	case s.Has(StateShut):
		return 3
	case s.Has(StateRead):
		return 2
	case s.Has(StateNew):
		return 1
	}
	return 0
}

// WorkItem is one unit of pending processing for one connection.
type WorkItem struct {
	FD       int
	State    ConnState
	Enqueued time.Time
}
