package dynlistener

import (
	"sync"
	"time"
)

// coarseClock caches the current time so the event loop and the workers
// do not read the system clock for every event.
type coarseClock struct {
	lock       sync.RWMutex
	now        time.Time
	resolution time.Duration
	routine    *routine
}

func newCoarseClock(resolution time.Duration) *coarseClock {
	if resolution <= 0 {
		resolution = 100 * time.Millisecond
	}
	return &coarseClock{
		now:        time.Now(),
		resolution: resolution,
		routine:    newRoutine("clock", false),
	}
}

func (c *coarseClock) Now() time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.now
}

func (c *coarseClock) refresh() {
	now := time.Now()
	c.lock.Lock()
	c.now = now
	c.lock.Unlock()
}

func (c *coarseClock) start() {
	c.routine.start(func(stop <-chan struct{}) error {
		ticker := time.NewTicker(c.resolution)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-ticker.C:
				c.refresh()
			}
		}
	})
}

func (c *coarseClock) stop() {
	c.routine.requestStop()
	c.routine.wait(0)
}
