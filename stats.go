package dynlistener

import (
	"sync"
	"time"
)

// Stats is a point in time copy of the listener counters together with
// the rates since the previous snapshot.
type Stats struct {
	Time     time.Time
	Interval time.Duration

	CurrentConnections int
	Accepted           uint64
	Closed             uint64
	Requests           uint64
	BytesIn            uint64
	BytesOut           uint64

	Throttles            uint64
	QueueRejections      uint64
	MaxConnRejections    uint64
	QueueWaitWarnings    uint64
	QueueDepth           int
	QueueHighWatermark   int
	BusyWorkers          int
	IdleWorkers          int
	FaultedWorkers       uint64
	ProcessedWorkItems   uint64
	ProcessUsage         ProcessUsage
	ConnectionsPerSecond float64
	RequestsPerSecond    float64
	ThrottlesPerSecond   float64
	BytesInPerSecond     float64
	BytesOutPerSecond    float64
}

// ProcessUsage is sampled by the housekeeping timer.
type ProcessUsage struct {
	CPUUser   time.Duration
	CPUSystem time.Duration
	RSS       uint64
	OpenFiles int32
}

// gauges are the values read from other components at snapshot time.
type gauges struct {
	connections   int
	queueDepth    int
	highWatermark int
	busy          int
	idle          int
	faulted       uint64
	processed     uint64
}

// statsCollector keeps the counters under a lock of their own so the I/O
// path never waits on the registry or the queue to account bytes.
type statsCollector struct {
	lock sync.Mutex

	accepted          uint64
	closed            uint64
	requests          uint64
	bytesIn           uint64
	bytesOut          uint64
	throttles         uint64
	queueRejections   uint64
	maxConnRejections uint64
	queueWaitWarnings uint64
	usage             ProcessUsage

	previous Stats
}

func newStatsCollector(now time.Time) *statsCollector {
	return &statsCollector{previous: Stats{Time: now}}
}

func (s *statsCollector) addAccepted() {
	s.lock.Lock()
	s.accepted++
	s.lock.Unlock()
}

func (s *statsCollector) addClosed() {
	s.lock.Lock()
	s.closed++
	s.lock.Unlock()
}

func (s *statsCollector) addRead(bytesIn, bytesOut uint64) {
	s.lock.Lock()
	s.requests++
	s.bytesIn += bytesIn
	s.bytesOut += bytesOut
	s.lock.Unlock()
}

func (s *statsCollector) addThrottle() {
	s.lock.Lock()
	s.throttles++
	s.lock.Unlock()
}

func (s *statsCollector) addQueueRejection() {
	s.lock.Lock()
	s.queueRejections++
	s.lock.Unlock()
}

func (s *statsCollector) addMaxConnRejection() {
	s.lock.Lock()
	s.maxConnRejections++
	s.lock.Unlock()
}

func (s *statsCollector) addQueueWaitWarning() {
	s.lock.Lock()
	s.queueWaitWarnings++
	s.lock.Unlock()
}

func (s *statsCollector) setProcessUsage(usage ProcessUsage) {
	s.lock.Lock()
	s.usage = usage
	s.lock.Unlock()
}

func (s *statsCollector) throttleCount() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.throttles
}

// snapshot copies the counters and computes rates against the last
// rollup. The baseline is left alone, so ad hoc readers do not shorten
// the housekeeping interval.
func (s *statsCollector) snapshot(now time.Time, g gauges) Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.collectLocked(now, g)
}

// rollup is snapshot for the housekeeping timer: the result becomes the
// baseline of the next interval.
func (s *statsCollector) rollup(now time.Time, g gauges) Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	current := s.collectLocked(now, g)
	s.previous = current
	return current
}

func (s *statsCollector) collectLocked(now time.Time, g gauges) Stats {
	current := Stats{
		Time:               now,
		CurrentConnections: g.connections,
		Accepted:           s.accepted,
		Closed:             s.closed,
		Requests:           s.requests,
		BytesIn:            s.bytesIn,
		BytesOut:           s.bytesOut,
		Throttles:          s.throttles,
		QueueRejections:    s.queueRejections,
		MaxConnRejections:  s.maxConnRejections,
		QueueWaitWarnings:  s.queueWaitWarnings,
		QueueDepth:         g.queueDepth,
		QueueHighWatermark: g.highWatermark,
		BusyWorkers:        g.busy,
		IdleWorkers:        g.idle,
		FaultedWorkers:     g.faulted,
		ProcessedWorkItems: g.processed,
		ProcessUsage:       s.usage,
	}
	current.Interval = now.Sub(s.previous.Time)
	if seconds := current.Interval.Seconds(); seconds > 0 {
		current.ConnectionsPerSecond = perSecond(current.Accepted, s.previous.Accepted, seconds)
		current.RequestsPerSecond = perSecond(current.Requests, s.previous.Requests, seconds)
		current.ThrottlesPerSecond = perSecond(current.Throttles, s.previous.Throttles, seconds)
		current.BytesInPerSecond = perSecond(current.BytesIn, s.previous.BytesIn, seconds)
		current.BytesOutPerSecond = perSecond(current.BytesOut, s.previous.BytesOut, seconds)
	}
	return current
}

func perSecond(current, previous uint64, seconds float64) float64 {
	if current < previous {
		return 0
	}
	return float64(current-previous) / seconds
}
