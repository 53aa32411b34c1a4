package dynlistener

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// routine is the start/stop/wait contract shared by the listener loop,
// the workers, the housekeeping timer and the clock. Each of them owns a
// routine instead of inheriting from a common base.
type routine struct {
	name         string
	lockOSThread bool
	started      *atomic.Bool
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
	err          error
}

func newRoutine(name string, lockOSThread bool) *routine {
	return &routine{
		name:         name,
		lockOSThread: lockOSThread,
		started:      atomic.NewBool(false),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// start runs fn on a new goroutine. It returns false if the routine was
// started before.
func (r *routine) start(fn func(stop <-chan struct{}) error) bool {
	if !r.started.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		if r.lockOSThread {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		defer close(r.done)
		r.err = fn(r.stop)
	}()
	return true
}

func (r *routine) requestStop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

func (r *routine) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// wait blocks until the routine returned or the timeout elapsed. A
// non-positive timeout waits forever.
func (r *routine) wait(timeout time.Duration) bool {
	if !r.started.Load() {
		return true
	}
	if timeout <= 0 {
		<-r.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}

func (r *routine) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// result is the error returned by the routine body; valid once finished.
func (r *routine) result() error {
	if !r.finished() {
		return nil
	}
	return r.err
}
