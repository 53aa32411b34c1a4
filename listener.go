//go:build linux

package dynlistener

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const clientInterest = EventReadable | EventHangup

// Option customizes a Listener.
type Option func(*Listener)

// WithTransport replaces the plaintext socket transport, e.g. with
// TLSTransport.
func WithTransport(factory TransportFactory) Option {
	return func(ln *Listener) {
		ln.transport = factory
	}
}

func withPollerOpener(open func(int, zerolog.Logger) (*Poller, error)) Option {
	return func(ln *Listener) {
		ln.openPoller = open
	}
}

// Listener accepts connections on one endpoint and turns readiness events
// into work items for its worker pool. All socket bookkeeping happens on
// the listener goroutine; workers report back through rearm and
// closeConnection.
type Listener struct {
	params     Params
	addr       *net.TCPAddr
	listenFd   int
	listenOnce sync.Once
	armed      bool

	handlers   HandlerFactory
	transport  TransportFactory
	openPoller func(int, zerolog.Logger) (*Poller, error)
	poller     *atomic.Pointer[Poller]

	queue     *WorkQueue
	registry  *Registry
	pool      *WorkerPool
	admission *admission
	stats     *statsCollector
	clock     *coarseClock

	routine    *routine
	loopExited chan struct{}
	logger     zerolog.Logger
}

// New validates params and binds the listening socket. Nothing is left
// open when it fails.
func New(params Params, handlers HandlerFactory, logger zerolog.Logger, opts ...Option) (*Listener, error) {
	params = params.withDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if handlers == nil {
		return nil, configError("handlers", errors.New("a handler factory is required"))
	}
	addr, err := params.TCPAddr()
	if err != nil {
		return nil, configError("listen_address", err)
	}
	logger = logger.With().Str("component", "listener").Logger()
	fd, err := openListenSocket(addr, params, logger)
	if err != nil {
		return nil, configError("listen_address", err)
	}
	bound, err := localAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, configError("listen_address", err)
	}

	now := time.Now()
	ln := &Listener{
		params:     params,
		addr:       bound,
		listenFd:   fd,
		handlers:   handlers,
		transport:  SocketTransport(params.SendTimeout()),
		openPoller: OpenPoller,
		poller:     atomic.NewPointer[Poller](nil),
		queue:      NewWorkQueue(params.MaxQueueDepth),
		registry:   NewRegistry(),
		stats:      newStatsCollector(now),
		clock:      newCoarseClock(params.ClockResolution()),
		routine:    newRoutine("listener", true),
		loopExited: make(chan struct{}),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(ln)
	}
	ln.admission = newAdmission(params, ln.queue, ln.registry, ln.stats, logger)
	ln.pool = newWorkerPool(ln.queue, ln, workerConfig{
		bufferSize:    params.ReadBufferSize,
		maxReads:      params.MaxReadsPerEvent,
		queueWaitWarn: params.QueueWaitWarning(),
	}, params.HousekeepingInterval(), logger.With().Str("component", "worker").Logger())

	if e := logger.Debug(); e.Enabled() {
		e.Msgf("init listener: %+v", params)
	} else {
		logger.Info().Msgf("init listener on %s", bound)
	}
	return ln, nil
}

// Start launches the event loop and tops the pool up to the configured
// number of workers.
func (ln *Listener) Start() error {
	// the listen socket and workers are gone once Stop ran
	if ln.routine.stopRequested() {
		return ErrListenerStopped
	}
	if ln.routine.started.Load() {
		return ErrListenerRunning
	}
	ln.clock.start()
	if missing := ln.params.Workers - ln.pool.Size(); missing > 0 {
		ln.pool.Add(missing)
	}
	if !ln.routine.start(ln.run) {
		return ErrListenerRunning
	}
	return nil
}

// Stop asks the loop to exit and wakes it. Teardown continues in the
// background; see Done.
func (ln *Listener) Stop() {
	ln.routine.requestStop()
	if poller := ln.poller.Load(); poller != nil {
		if err := poller.Wake(); err != nil {
			ln.logger.Error().Msgf("got error while waking the event loop: %+v", err)
		}
	}
	if !ln.routine.started.Load() {
		if err := ln.pool.Shutdown(ln.params.ShutdownTimeout()); err != nil {
			ln.logger.Error().Msgf("got error while stopping workers: %+v", err)
		}
		ln.closeListenSocket()
	}
}

// Shutdown stops the listener and waits for the teardown.
func (ln *Listener) Shutdown(ctx context.Context) error {
	ln.Stop()
	if !ln.routine.started.Load() {
		return nil
	}
	select {
	case <-ln.Done():
		return ln.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop exited and every resource is released.
func (ln *Listener) Done() <-chan struct{} {
	return ln.routine.done
}

// Err is the fatal error that ended the loop, if any.
func (ln *Listener) Err() error {
	return ln.routine.result()
}

func (ln *Listener) Addr() *net.TCPAddr {
	return ln.addr
}

func (ln *Listener) AddWorkers(n int) int {
	return ln.pool.Add(n)
}

func (ln *Listener) ReapFinishedWorkers() (reaped, replaced int) {
	return ln.pool.Reap()
}

func (ln *Listener) Workers() []*Worker {
	return ln.pool.Workers()
}

// Connections is the number of registered connections.
func (ln *Listener) Connections() int {
	return ln.registry.Len()
}

// CloseConnection shuts the socket down. The resulting hangup is handled
// like a peer close, so the record is released by the worker owning the
// descriptor. It reports false for unknown or already closing
// descriptors.
func (ln *Listener) CloseConnection(fd int) bool {
	conn, ok := ln.registry.Find(fd)
	if !ok || conn.Closed() || !conn.closing.CompareAndSwap(false, true) {
		return false
	}
	if err := unix.Shutdown(fd, unix.SHUT_RDWR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		ln.logger.Debug().Err(err).Int("fd", fd).Msg("shutdown failed")
	}
	return true
}

// SnapshotStats returns the counters with rates measured since the last
// housekeeping tick. It does not move the rate baseline.
func (ln *Listener) SnapshotStats() Stats {
	return ln.stats.snapshot(time.Now(), ln.gauges())
}

// rollupStats is the housekeeping snapshot that starts a new rate
// interval.
func (ln *Listener) rollupStats() Stats {
	return ln.stats.rollup(time.Now(), ln.gauges())
}

func (ln *Listener) gauges() gauges {
	size := ln.pool.Size()
	busy := ln.pool.Busy()
	idle := size - busy
	if idle < 0 {
		idle = 0
	}
	return gauges{
		connections:   ln.registry.Len(),
		queueDepth:    ln.queue.Len(),
		highWatermark: ln.queue.HighWatermark(),
		busy:          busy,
		idle:          idle,
		faulted:       ln.pool.Faulted(),
		processed:     ln.pool.Processed(),
	}
}

func (ln *Listener) recordProcessUsage(usage ProcessUsage) {
	ln.stats.setProcessUsage(usage)
}

func (ln *Listener) run(stop <-chan struct{}) error {
	poller, err := ln.openPoller(ln.params.PollBatch, ln.logger)
	if err != nil {
		ln.logger.WithLevel(zerolog.FatalLevel).Msgf("can't open poller: %+v", err)
		close(ln.loopExited)
		ln.teardown(nil)
		return err
	}
	ln.poller.Store(poller)
	defer ln.teardown(poller)
	defer close(ln.loopExited)

	if err := poller.Add(ln.listenFd, EventReadable, false); err != nil {
		ln.logger.WithLevel(zerolog.FatalLevel).Msgf("can't poll the listening socket: %+v", err)
		return err
	}
	ln.armed = true
	ln.logger.Info().Msgf("listening on %s", ln.addr)

	for {
		select {
		case <-stop:
			return nil
		default:
		}
		ln.admission.throttle(stop)
		ln.updateAcceptInterest(poller, time.Now())
		if _, err := poller.Wait(ln.waitTimeout(time.Now()), ln.dispatch); err != nil {
			ln.logger.WithLevel(zerolog.FatalLevel).Msgf("got error while waiting for the net events: %+v", err)
			return err
		}
	}
}

// waitTimeout shortens the wait while accepting is paused or items are
// parked, so both resume without waiting a full period.
func (ln *Listener) waitTimeout(now time.Time) time.Duration {
	timeout := ln.params.WaitTimeout()
	if ln.admission.parked() > 0 {
		if sleep := ln.params.ThrottleSleep(); sleep < timeout {
			timeout = sleep
		}
		return timeout
	}
	if !ln.armed {
		if until := ln.admission.pausedUntil.Sub(now); until > 0 && until < timeout {
			timeout = until
		}
	}
	return timeout
}

func (ln *Listener) updateAcceptInterest(poller *Poller, now time.Time) {
	may := ln.admission.mayAccept(now)
	if may == ln.armed {
		return
	}
	interest := EventMask(0)
	if may {
		interest = EventReadable
	}
	if err := poller.Modify(ln.listenFd, interest, false); err != nil {
		ln.logger.Error().Msgf("got error while changing accept interest: %+v", err)
		return
	}
	ln.armed = may
}

// dispatch turns one readiness event into a work item.
func (ln *Listener) dispatch(fd int, events EventMask) {
	if fd == ln.listenFd {
		ln.acceptAll()
		return
	}
	conn, ok := ln.registry.Find(fd)
	if !ok {
		ln.deregisterStale(fd)
		return
	}
	if ln.queue.Contains(fd) {
		// raised again by the re-arm once the current item is done
		return
	}
	var state ConnState
	if events.IsReadable() {
		state |= StateRead
	}
	if events.IsHungUp() || events.IsErrored() {
		state |= StateShut
	}
	if state == StateNone {
		state = StateRead
	}
	if conn.State() == StateNone {
		state |= StateNew
	}
	ln.admission.submit(WorkItem{FD: fd, State: state, Enqueued: ln.clock.Now()}, conn)
}

func (ln *Listener) deregisterStale(fd int) {
	poller := ln.poller.Load()
	if poller == nil {
		return
	}
	if err := poller.Delete(fd); err != nil && !errors.Is(err, ErrDescriptorInvalid) {
		ln.logger.Error().Msgf("got error while dropping unknown fd %d: %+v", fd, err)
	}
}

// acceptAll accepts until the backlog is empty or admission stops it.
func (ln *Listener) acceptAll() {
	for {
		if !ln.admission.mayAccept(time.Now()) {
			return
		}
		nfd, sa, err := unix.Accept4(ln.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
				errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
				ln.logger.Error().Msgf("got error while accepting connection: %+v", err)
				ln.admission.exhausted(time.Now(), err)
				return
			default:
				ln.logger.Error().Msgf("got error while accepting connection: %+v", os.NewSyscallError("accept4", err))
				return
			}
		}
		ln.admission.recovered()
		if !ln.admission.admit() {
			_ = unix.Close(nfd)
			continue
		}
		ln.register(nfd, sa)
	}
}

func (ln *Listener) register(fd int, sa unix.Sockaddr) {
	if ln.registry.Len() >= ln.params.MaxConnections {
		_ = unix.Close(fd)
		ln.stats.addMaxConnRejection()
		return
	}
	setClientSocketOptions(fd, ln.params, ln.logger)
	now := ln.clock.Now()
	conn := newConnection(fd, sockaddrToTCPAddr(sa), ln.transport(fd), ln.handlers(), now)
	if !ln.registry.Add(conn) {
		ln.logger.Error().Msgf("fd %d is still registered, dropping the new connection", fd)
		_ = unix.Close(fd)
		return
	}
	if err := ln.poller.Load().Add(fd, clientInterest, true); err != nil {
		ln.logger.Error().Msgf("got error while registering fd %d: %+v", fd, err)
		ln.registry.RemoveIf(fd, conn)
		conn.release()
		_ = unix.Close(fd)
		return
	}
	ln.stats.addAccepted()
	if e := ln.logger.Debug(); e.Enabled() {
		e.Str("conn", conn.id).Int("fd", fd).Stringer("peer", conn.peer).Msg("accepted connection")
	}
}

func (ln *Listener) lookup(fd int) (*Connection, bool) {
	return ln.registry.Find(fd)
}

func (ln *Listener) now() time.Time {
	return ln.clock.Now()
}

func (ln *Listener) counters() *statsCollector {
	return ln.stats
}

// rearm hands the descriptor back to the poller. The in-flight slot is
// released first so the event raised by the re-arm can be queued.
func (ln *Listener) rearm(conn *Connection) {
	if conn.Closed() {
		return
	}
	ln.queue.Release(conn.fd)
	if current, ok := ln.registry.Find(conn.fd); !ok || current != conn {
		return
	}
	poller := ln.poller.Load()
	if poller == nil {
		return
	}
	if err := poller.Modify(conn.fd, clientInterest, true); err != nil {
		ln.logger.Error().Msgf("got error while re-arming fd %d: %+v", conn.fd, err)
		ln.closeConnection(conn)
	}
}

// closeConnection is the only place a client descriptor is closed. The
// poller registration goes first and the descriptor last, so a reused
// descriptor number never meets a stale record.
func (ln *Listener) closeConnection(conn *Connection) {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}
	conn.advance(StateShut)
	if poller := ln.poller.Load(); poller != nil {
		if err := poller.Delete(conn.fd); err != nil && !errors.Is(err, ErrDescriptorInvalid) {
			ln.logger.Error().Msgf("got error while deregistering fd %d: %+v", conn.fd, err)
		}
	}
	ln.registry.RemoveIf(conn.fd, conn)
	ln.queue.Release(conn.fd)
	conn.release()
	if err := unix.Close(conn.fd); err != nil {
		ln.logger.Error().Msgf("got error while closing fd %d: %+v", conn.fd, err)
	}
	ln.stats.addClosed()
	if e := ln.logger.Debug(); e.Enabled() {
		e.Str("conn", conn.id).Int("fd", conn.fd).Uint64("in", conn.BytesIn()).Uint64("out", conn.BytesOut()).Msg("closed connection")
	}
}

func (ln *Listener) teardown(poller *Poller) {
	// the accept limiter has no stop; its cleanup goroutine exits on its
	// own once the last accept falls out of the window
	ln.admission.drop()
	if err := ln.pool.Shutdown(ln.params.ShutdownTimeout()); err != nil {
		ln.logger.Error().Msgf("got error while stopping workers: %+v", err)
	}
	ln.queue.Drain()
	for _, conn := range ln.registry.Snapshot() {
		ln.closeConnection(conn)
	}
	ln.poller.Store(nil)
	if poller != nil {
		if err := poller.Close(); err != nil {
			ln.logger.Error().Msgf("got error while closing poller: %+v", err)
		}
	}
	ln.closeListenSocket()
	ln.clock.stop()
	ln.logger.Info().Msgf("listener on %s stopped", ln.addr)
}

func (ln *Listener) closeListenSocket() {
	ln.listenOnce.Do(func() {
		if err := unix.Close(ln.listenFd); err != nil {
			ln.logger.Error().Msgf("got error while closing listening socket: %+v", err)
		}
	})
}
