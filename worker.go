package dynlistener

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// dispatcher is the listener side of the worker contract.
type dispatcher interface {
	lookup(fd int) (*Connection, bool)
	rearm(conn *Connection)
	closeConnection(conn *Connection)
	now() time.Time
	counters() *statsCollector
}

type workerConfig struct {
	bufferSize    int
	maxReads      int
	queueWaitWarn time.Duration
}

// Worker pops work items and drives the connection's transport and
// handler. A panicking handler faults the worker; the pool replaces it.
type Worker struct {
	id        int
	pool      *WorkerPool
	routine   *routine
	buffer    []byte
	busy      *atomic.Bool
	faulted   *atomic.Bool
	processed *atomic.Uint64
	logger    zerolog.Logger
}

func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) Busy() bool {
	return w.busy.Load()
}

func (w *Worker) Faulted() bool {
	return w.faulted.Load()
}

func (w *Worker) Processed() uint64 {
	return w.processed.Load()
}

func (w *Worker) run(stop <-chan struct{}) error {
	queue := w.pool.queue
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		item, ok := queue.Pop()
		if !ok {
			return nil
		}
		if w.routine.stopRequested() {
			queue.Release(item.FD)
			return nil
		}
		if err := w.process(item); err != nil {
			w.faulted.Store(true)
			return err
		}
	}
}

func (w *Worker) process(item WorkItem) (err error) {
	w.busy.Store(true)
	defer w.busy.Store(false)
	host := w.pool.host

	conn, ok := host.lookup(item.FD)
	if !ok {
		w.pool.queue.Release(item.FD)
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("conn", conn.id).Msgf("recovered from panic while handling fd %d: %v", item.FD, r)
			// the handler is not trusted with Close after a panic
			conn.opened.Store(false)
			host.closeConnection(conn)
			err = fmt.Errorf("%w: %v", ErrWorkerFaulted, r)
		}
	}()
	w.processed.Inc()

	now := host.now()
	if wait := now.Sub(item.Enqueued); w.pool.config.queueWaitWarn > 0 && wait > w.pool.config.queueWaitWarn {
		host.counters().addQueueWaitWarning()
		w.pool.warnings.Do(func() {
			w.logger.Warn().Msgf("work item for fd %d waited %s in the queue", item.FD, wait)
		})
	}
	if e := w.logger.Debug(); e.Enabled() {
		e.Int("fd", item.FD).Stringer("state", item.State).Msg("processing work item")
	}

	if item.State.Has(StateNew) {
		conn.advance(StateNew)
		if err := conn.transport.Handshake(); err != nil {
			w.logger.Debug().Err(err).Str("conn", conn.id).Msg("handshake failed")
			host.closeConnection(conn)
			return nil
		}
		if err := conn.handler.Open(conn); err != nil {
			w.logger.Debug().Err(err).Str("conn", conn.id).Msg("handler refused connection")
			host.closeConnection(conn)
			return nil
		}
		conn.opened.Store(true)
	}

	keep := true
	if item.State.Has(StateRead) || item.State.Has(StateNew) {
		if item.State.Has(StateRead) {
			conn.advance(StateRead)
		}
		var requeued bool
		keep, requeued = w.drain(conn, item, now)
		if keep && requeued {
			return nil
		}
	}
	if !keep || item.State.Has(StateShut) {
		conn.advance(StateShut)
		host.closeConnection(conn)
		return nil
	}
	host.rearm(conn)
	return nil
}

// drain reads until the socket would block, the peer closed or the read
// budget is spent. It reports whether the connection stays open and
// whether a follow-up item now holds it in the queue. A spent budget
// re-queues the descriptor instead of re-arming it: a transport may hold
// buffered plaintext that no readiness event will announce.
func (w *Worker) drain(conn *Connection, item WorkItem, now time.Time) (keep, requeued bool) {
	var bytesIn uint64
	bytesOut := conn.BytesOut()
	defer func() {
		w.pool.host.counters().addRead(bytesIn, conn.BytesOut()-bytesOut)
	}()
	for {
		for i := 0; i < w.pool.config.maxReads; i++ {
			n, err := conn.read(w.buffer)
			if n > 0 {
				bytesIn += uint64(n)
				conn.touch(now)
				outcome, herr := conn.handler.Consume(conn, w.buffer[:n])
				if outcome == ProtocolError {
					w.logger.Debug().Err(herr).Str("conn", conn.id).Msg("protocol error, closing connection")
					return false, false
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrWouldBlock):
				return true, false
			case errors.Is(err, io.EOF):
				return false, false
			default:
				w.logger.Debug().Err(err).Str("conn", conn.id).Msg("read failed, closing connection")
				return false, false
			}
		}
		next := WorkItem{FD: conn.fd, State: StateRead | item.State&StateShut, Enqueued: w.pool.host.now()}
		err := w.pool.queue.Requeue(next)
		switch {
		case err == nil:
			return true, true
		case errors.Is(err, ErrQueueFull):
			// nobody can take the follow-up, keep reading here
			continue
		default:
			return true, false
		}
	}
}

// WorkerPool owns the workers sharing one queue.
type WorkerPool struct {
	lock     sync.Mutex
	workers  []*Worker
	nextID   int
	queue    *WorkQueue
	host     dispatcher
	config   workerConfig
	faults   *atomic.Uint64
	retired  *atomic.Uint64
	warnings rate.Sometimes
	logger   zerolog.Logger
}

func newWorkerPool(queue *WorkQueue, host dispatcher, config workerConfig, warnEvery time.Duration, logger zerolog.Logger) *WorkerPool {
	if config.bufferSize < 1 {
		config.bufferSize = 16384
	}
	if config.maxReads < 1 {
		config.maxReads = 1
	}
	return &WorkerPool{
		queue:    queue,
		host:     host,
		config:   config,
		faults:   atomic.NewUint64(0),
		retired:  atomic.NewUint64(0),
		warnings: rate.Sometimes{Interval: warnEvery},
		logger:   logger,
	}
}

// Add starts n workers and returns the pool size.
func (p *WorkerPool) Add(n int) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	for i := 0; i < n; i++ {
		p.spawnLocked()
	}
	return len(p.workers)
}

func (p *WorkerPool) spawnLocked() *Worker {
	p.nextID++
	worker := &Worker{
		id:        p.nextID,
		pool:      p,
		routine:   newRoutine(fmt.Sprintf("worker-%d", p.nextID), false),
		buffer:    make([]byte, p.config.bufferSize),
		busy:      atomic.NewBool(false),
		faulted:   atomic.NewBool(false),
		processed: atomic.NewUint64(0),
		logger:    p.logger.With().Int("worker", p.nextID).Logger(),
	}
	p.workers = append(p.workers, worker)
	worker.routine.start(worker.run)
	return worker
}

// Reap drops finished workers. Faulted workers are replaced while the
// queue is still running.
func (p *WorkerPool) Reap() (reaped, replaced int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	alive := p.workers[:0]
	var faulted []*Worker
	for _, worker := range p.workers {
		if !worker.routine.finished() {
			alive = append(alive, worker)
			continue
		}
		reaped++
		p.retired.Add(worker.Processed())
		if worker.Faulted() {
			faulted = append(faulted, worker)
		}
	}
	for i := len(alive); i < len(p.workers); i++ {
		p.workers[i] = nil
	}
	p.workers = alive
	for _, worker := range faulted {
		p.faults.Inc()
		p.logger.Error().Err(worker.routine.result()).Msgf("worker %d faulted after %d items", worker.id, worker.Processed())
		if !p.queue.Stopped() {
			replacement := p.spawnLocked()
			p.logger.Info().Msgf("worker %d replaced by worker %d", worker.id, replacement.id)
			replaced++
		}
	}
	return reaped, replaced
}

// Shutdown stops the queue and waits for every worker to finish its
// current item. Workers missing the deadline are logged and reported.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.queue.Stop()
	p.lock.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.lock.Unlock()

	for _, worker := range workers {
		worker.routine.requestStop()
	}
	deadline := time.Now().Add(timeout)
	var stuck int
	for _, worker := range workers {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Nanosecond
		}
		if !worker.routine.wait(remaining) {
			stuck++
			worker.faulted.Store(true)
			p.logger.Error().Msgf("worker %d did not stop within %s", worker.id, timeout)
		}
	}
	if stuck > 0 {
		return fmt.Errorf("%w: %d of %d workers still running", ErrShutdownTimeout, stuck, len(workers))
	}
	return nil
}

func (p *WorkerPool) Workers() []*Worker {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]*Worker(nil), p.workers...)
}

func (p *WorkerPool) Size() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.workers)
}

func (p *WorkerPool) Busy() int {
	busy := 0
	for _, worker := range p.Workers() {
		if worker.Busy() {
			busy++
		}
	}
	return busy
}

func (p *WorkerPool) Processed() uint64 {
	processed := p.retired.Load()
	for _, worker := range p.Workers() {
		processed += worker.Processed()
	}
	return processed
}

// Faulted is the number of faulted workers reaped so far.
func (p *WorkerPool) Faulted() uint64 {
	return p.faults.Load()
}
