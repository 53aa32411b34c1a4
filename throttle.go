package dynlistener

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/queue"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	acceptCategory        = "accept"
	exhaustionInitialWait = 10 * time.Millisecond
	exhaustionMaxWait     = time.Second
)

// parkedItem is a work item waiting in the overflow backlog. conn pins
// the record the item was made for.
type parkedItem struct {
	item WorkItem
	conn *Connection
}

// admission decides when the listener may push and accept. Queue capacity
// is enforced first: while items are parked no connection is accepted.
// The accept rate comes second. It is owned by the listener goroutine.
type admission struct {
	queue    *WorkQueue
	registry *Registry
	stats    *statsCollector
	logger   zerolog.Logger

	backlog      *queue.Queue
	sleep        time.Duration
	maxThrottles int

	limiter     *catrate.Limiter
	pausedUntil time.Time

	exhaustion backoff.BackOff
	warnings   rate.Sometimes
}

func newAdmission(params Params, wq *WorkQueue, registry *Registry, stats *statsCollector, logger zerolog.Logger) *admission {
	a := &admission{
		queue:        wq,
		registry:     registry,
		stats:        stats,
		logger:       logger,
		backlog:      queue.New(),
		sleep:        params.ThrottleSleep(),
		maxThrottles: params.CycleMaxThrottles,
		warnings:     rate.Sometimes{Interval: params.HousekeepingInterval()},
	}
	if params.MaxAcceptsPerInterval > 0 {
		a.limiter = catrate.NewLimiter(map[time.Duration]int{
			params.AcceptInterval(): params.MaxAcceptsPerInterval,
		})
	}
	exhaustion := backoff.NewExponentialBackOff()
	exhaustion.InitialInterval = exhaustionInitialWait
	exhaustion.MaxInterval = exhaustionMaxWait
	exhaustion.MaxElapsedTime = 0
	exhaustion.Reset()
	a.exhaustion = exhaustion
	return a
}

// submit pushes item or parks it when the queue is full. Items are never
// dropped while their connection is alive.
func (a *admission) submit(item WorkItem, conn *Connection) {
	if a.backlog.Length() > 0 {
		a.park(item, conn)
		return
	}
	err := a.queue.TryPush(item)
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		a.park(item, conn)
	case errors.Is(err, ErrAlreadyQueued):
		if e := a.logger.Debug(); e.Enabled() {
			e.Int("fd", item.FD).Msg("descriptor already queued, event left to the re-arm")
		}
	default:
		a.logger.Debug().Err(err).Int("fd", item.FD).Msg("work item not queued")
	}
}

func (a *admission) park(item WorkItem, conn *Connection) {
	a.backlog.Add(parkedItem{item: item, conn: conn})
	a.stats.addQueueRejection()
	a.warnings.Do(func() {
		a.logger.Warn().Msgf("work queue is full (%d items), %d items parked", a.queue.Cap(), a.backlog.Length())
	})
}

// flush moves parked items into the queue until it is full again.
func (a *admission) flush() {
	for a.backlog.Length() > 0 {
		parked := a.backlog.Peek().(parkedItem)
		if current, ok := a.registry.Find(parked.item.FD); !ok || current != parked.conn {
			a.backlog.Remove()
			continue
		}
		err := a.queue.TryPush(parked.item)
		if errors.Is(err, ErrQueueFull) {
			return
		}
		a.backlog.Remove()
		if err != nil && !errors.Is(err, ErrAlreadyQueued) {
			a.logger.Debug().Err(err).Int("fd", parked.item.FD).Msg("parked work item not queued")
		}
	}
}

// throttle sleeps while the queue does not drain, at most maxThrottles
// times per call. Every sleep counts as a throttle event.
func (a *admission) throttle(stop <-chan struct{}) int {
	throttles := 0
	for {
		a.flush()
		if a.backlog.Length() == 0 || throttles >= a.maxThrottles {
			return throttles
		}
		a.stats.addThrottle()
		throttles++
		timer := time.NewTimer(a.sleep)
		select {
		case <-stop:
			timer.Stop()
			return throttles
		case <-timer.C:
		}
	}
}

func (a *admission) parked() int {
	return a.backlog.Length()
}

// mayAccept reports whether new connections may be taken now.
func (a *admission) mayAccept(now time.Time) bool {
	return a.backlog.Length() == 0 && !now.Before(a.pausedUntil)
}

// admit registers one accepted connection with the rate limiter. It runs
// after accept4 succeeded, so a drained backlog spends no token. The
// accept that uses up the window pauses accepting, so mayAccept stops the
// next accept4 and no connection beyond the limit is taken. A false
// result means the window was already spent and the connection must be
// shed.
func (a *admission) admit() bool {
	if a.limiter == nil {
		return true
	}
	next, ok := a.limiter.Allow(acceptCategory)
	if !ok {
		a.pause(next, "accept rate limit reached")
		return false
	}
	if !next.IsZero() {
		// this accept used up the window
		a.pause(next, "accept rate limit reached")
	}
	return true
}

// exhausted pauses accepting after the process or the system ran out of
// descriptors or memory.
func (a *admission) exhausted(now time.Time, err error) {
	wait := a.exhaustion.NextBackOff()
	if wait == backoff.Stop {
		wait = exhaustionMaxWait
	}
	a.pause(now.Add(wait), "accept failed: "+err.Error())
}

func (a *admission) recovered() {
	a.exhaustion.Reset()
}

func (a *admission) pause(until time.Time, reason string) {
	if until.After(a.pausedUntil) {
		a.pausedUntil = until
	}
	a.stats.addThrottle()
	a.warnings.Do(func() {
		a.logger.Warn().Msgf("accepting paused until %s: %s", a.pausedUntil.Format(time.RFC3339Nano), reason)
	})
}

// drop clears the backlog, used on teardown.
func (a *admission) drop() {
	for a.backlog.Length() > 0 {
		a.backlog.Remove()
	}
}
