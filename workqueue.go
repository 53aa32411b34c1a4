package dynlistener

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// WorkQueue is a bounded FIFO of work items. A descriptor stays in the
// in-flight set from the moment it is pushed until Release is called for
// it, so at most one item per descriptor exists at any time.
type WorkQueue struct {
	items    chan WorkItem
	lock     sync.Mutex
	inFlight map[int]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	stopped  *atomic.Bool

	highWatermark *atomic.Int64
	rejected      *atomic.Uint64
	pushed        *atomic.Uint64
}

func NewWorkQueue(capacity int) *WorkQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &WorkQueue{
		items:         make(chan WorkItem, capacity),
		inFlight:      make(map[int]struct{}, capacity),
		stop:          make(chan struct{}),
		stopped:       atomic.NewBool(false),
		highWatermark: atomic.NewInt64(0),
		rejected:      atomic.NewUint64(0),
		pushed:        atomic.NewUint64(0),
	}
}

// TryPush enqueues item without blocking.
func (q *WorkQueue) TryPush(item WorkItem) error {
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.inFlight[item.FD]; ok {
		return ErrAlreadyQueued
	}
	select {
	case q.items <- item:
		q.inFlight[item.FD] = struct{}{}
		q.accepted()
		return nil
	default:
		q.rejected.Inc()
		return ErrQueueFull
	}
}

// Push enqueues item, waiting for capacity. A push that has to wait is
// counted as a rejection.
func (q *WorkQueue) Push(ctx context.Context, item WorkItem) error {
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	q.lock.Lock()
	if _, ok := q.inFlight[item.FD]; ok {
		q.lock.Unlock()
		return ErrAlreadyQueued
	}
	q.inFlight[item.FD] = struct{}{}
	q.lock.Unlock()

	select {
	case q.items <- item:
		q.accepted()
		return nil
	default:
		q.rejected.Inc()
	}
	select {
	case q.items <- item:
		q.accepted()
		return nil
	case <-ctx.Done():
		q.Release(item.FD)
		return ctx.Err()
	case <-q.stop:
		q.Release(item.FD)
		return ErrQueueStopped
	}
}

// Requeue puts a follow-up item for a descriptor the caller is processing
// back at the tail. The in-flight slot is kept, so no other item for the
// descriptor can slip in between.
func (q *WorkQueue) Requeue(item WorkItem) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	select {
	case q.items <- item:
		q.inFlight[item.FD] = struct{}{}
		q.accepted()
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop blocks until an item is available or the queue is stopped. An item
// dequeued concurrently with Stop is released and reported as not ok.
func (q *WorkQueue) Pop() (WorkItem, bool) {
	select {
	case <-q.stop:
		return WorkItem{}, false
	default:
	}
	select {
	case <-q.stop:
		return WorkItem{}, false
	case item := <-q.items:
		if q.stopped.Load() {
			q.Release(item.FD)
			return item, false
		}
		return item, true
	}
}

// Release frees the in-flight slot of fd. It reports whether fd was in
// flight.
func (q *WorkQueue) Release(fd int) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.inFlight[fd]; !ok {
		return false
	}
	delete(q.inFlight, fd)
	return true
}

func (q *WorkQueue) Contains(fd int) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	_, ok := q.inFlight[fd]
	return ok
}

// Stop wakes every blocked consumer and producer. Items still queued can
// be collected with Drain.
func (q *WorkQueue) Stop() {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		close(q.stop)
	})
}

func (q *WorkQueue) Stopped() bool {
	return q.stopped.Load()
}

// Drain removes and releases every queued item.
func (q *WorkQueue) Drain() []WorkItem {
	var drained []WorkItem
	for {
		select {
		case item := <-q.items:
			q.Release(item.FD)
			drained = append(drained, item)
		default:
			return drained
		}
	}
}

// Len is the number of items waiting in the queue.
func (q *WorkQueue) Len() int {
	return len(q.items)
}

func (q *WorkQueue) Cap() int {
	return cap(q.items)
}

// InFlight is the number of descriptors queued or being processed.
func (q *WorkQueue) InFlight() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.inFlight)
}

func (q *WorkQueue) HighWatermark() int {
	return int(q.highWatermark.Load())
}

func (q *WorkQueue) Rejected() uint64 {
	return q.rejected.Load()
}

func (q *WorkQueue) Pushed() uint64 {
	return q.pushed.Load()
}

func (q *WorkQueue) accepted() {
	q.pushed.Inc()
	depth := int64(len(q.items))
	for {
		current := q.highWatermark.Load()
		if depth <= current || q.highWatermark.CompareAndSwap(current, depth) {
			return
		}
	}
}
