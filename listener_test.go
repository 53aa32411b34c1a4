//go:build linux

package dynlistener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func testParams() Params {
	params := DefaultParams()
	params.Address = "127.0.0.1:0"
	params.Backlog = 64
	params.Workers = 4
	params.WaitTimeoutMs = 20
	params.ShutdownTimeoutMs = 2000
	params.ClockResolutionMs = 10
	params.ReadBufferSize = 4096
	return params
}

func startListener(t *testing.T, params Params, handlers HandlerFactory, opts ...Option) *Listener {
	t.Helper()
	ln, err := New(params, handlers, zerolog.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, ln.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ln.Shutdown(ctx)
	})
	return ln
}

func echoHandlers() HandlerFactory {
	return NewLineHandlerFactory(EchoService{}, 0)
}

func dial(t *testing.T, ln *Listener) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(conn net.Conn, line string) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return "", err
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return reply[:len(reply)-1], nil
}

func TestListenerServesConcurrentClients(t *testing.T) {
	params := testParams()
	params.Backlog = 16
	ln := startListener(t, params, echoHandlers())

	group := errgroup.Group{}
	for i := 0; i < 50; i++ {
		i := i
		group.Go(func() error {
			conn, err := net.DialTimeout("tcp", ln.Addr().String(), 3*time.Second)
			if err != nil {
				return err
			}
			defer conn.Close()
			message := fmt.Sprintf("hello from client %d", i)
			reply, err := roundTrip(conn, message)
			if err != nil {
				return err
			}
			if reply != message {
				return fmt.Errorf("client %d got %q", i, reply)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	require.Eventually(t, func() bool {
		return ln.Connections() == 0
	}, 3*time.Second, 10*time.Millisecond)
	stats := ln.SnapshotStats()
	assert.Equal(t, uint64(50), stats.Accepted)
	assert.Equal(t, uint64(50), stats.Closed)
	assert.Zero(t, stats.CurrentConnections)
	assert.Positive(t, stats.BytesIn)
	assert.Equal(t, stats.BytesIn, stats.BytesOut)
}

func TestListenerKeepsConnectionAcrossRequests(t *testing.T) {
	ln := startListener(t, testParams(), echoHandlers())
	conn := dial(t, ln)
	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(conn, "request %d\n", i)
		require.NoError(t, err)
		reply, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("request %d\n", i), reply)
	}
	assert.Equal(t, 1, ln.Connections())
}

func TestListenerCloseConnection(t *testing.T) {
	ln := startListener(t, testParams(), echoHandlers())
	conn := dial(t, ln)
	reply, err := roundTrip(conn, "ping")
	require.NoError(t, err)
	require.Equal(t, "ping", reply)

	require.Eventually(t, func() bool { return ln.Connections() == 1 }, time.Second, 5*time.Millisecond)
	fd := ln.registry.Snapshot()[0].FD()
	assert.True(t, ln.CloseConnection(fd))
	assert.False(t, ln.CloseConnection(fd), "a closing connection is not closed twice")
	assert.False(t, ln.CloseConnection(-1))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return ln.Connections() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), ln.SnapshotStats().Closed)
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	gate := &gateHandler{started: atomic.NewInt64(0), gate: make(chan struct{})}
	close(gate.gate)
	ln := startListener(t, testParams(), func() ProtocolHandler { return gate })
	dial(t, ln)
	require.Eventually(t, func() bool { return ln.SnapshotStats().Accepted == 1 }, time.Second, 5*time.Millisecond)

	record := ln.registry.Snapshot()[0]
	ln.closeConnection(record)
	ln.closeConnection(record)
	assert.True(t, record.Closed())
	assert.Equal(t, StateShut, record.State())
	assert.Zero(t, ln.Connections())
	assert.Equal(t, uint64(1), ln.SnapshotStats().Closed)
}

func TestListenerAcceptRateBound(t *testing.T) {
	params := testParams()
	params.MaxAcceptsPerInterval = 5
	params.AcceptIntervalMs = 10000
	ln := startListener(t, params, echoHandlers())

	// one connection per readiness event: a drained backlog must not
	// spend the window
	for i := 0; i < 10; i++ {
		dial(t, ln)
		time.Sleep(20 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return ln.SnapshotStats().Accepted == 5
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	stats := ln.SnapshotStats()
	assert.Equal(t, uint64(5), stats.Accepted, "no connection beyond the rate limit is accepted")
	assert.GreaterOrEqual(t, stats.Throttles, uint64(1))
}

func TestListenerStopWhileWorkersBusy(t *testing.T) {
	params := testParams()
	params.Workers = 2
	gate := &gateHandler{started: atomic.NewInt64(0), gate: make(chan struct{})}
	ln := startListener(t, params, func() ProtocolHandler { return gate })

	for i := 0; i < 2; i++ {
		conn := dial(t, ln)
		_, err := io.WriteString(conn, "work\n")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return gate.started.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	ln.Stop()
	select {
	case <-ln.loopExited:
	case <-time.After(params.WaitTimeout() + time.Second):
		t.Fatal("event loop did not exit")
	}
	select {
	case <-ln.Done():
		t.Fatal("teardown finished while workers were busy")
	default:
	}

	close(gate.gate)
	select {
	case <-ln.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("teardown did not finish")
	}
	require.NoError(t, ln.Err())
	assert.Equal(t, int64(2), gate.started.Load())
	assert.Zero(t, ln.Connections())
	assert.Equal(t, uint64(2), ln.SnapshotStats().Closed)
}

func TestListenerPollerFailureIsFatal(t *testing.T) {
	failure := errors.New("no epoll for you")
	ln := startListener(t, testParams(), echoHandlers(), withPollerOpener(func(int, zerolog.Logger) (*Poller, error) {
		return nil, failure
	}))
	select {
	case <-ln.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("listener kept running without a poller")
	}
	assert.ErrorIs(t, ln.Err(), failure)
	_, err := net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestListenerRejectsInvalidParams(t *testing.T) {
	params := testParams()
	params.Address = "not an address"
	_, err := New(params, echoHandlers(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	params = testParams()
	params.MaxConnections = -1
	_, err = New(params, echoHandlers(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(testParams(), nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestListenerStartTwice(t *testing.T) {
	ln := startListener(t, testParams(), echoHandlers())
	assert.ErrorIs(t, ln.Start(), ErrListenerRunning)
	assert.Len(t, ln.Workers(), 4)
}

func TestListenerStopBeforeStart(t *testing.T) {
	ln, err := New(testParams(), echoHandlers(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ln.Shutdown(context.Background()))
	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	assert.ErrorIs(t, ln.Start(), ErrListenerStopped)
	assert.Zero(t, ln.pool.Size())
	assert.False(t, ln.routine.started.Load())
}

func TestListenerRestartAfterStopFails(t *testing.T) {
	ln := startListener(t, testParams(), echoHandlers())
	require.NoError(t, ln.Shutdown(context.Background()))
	workers := ln.pool.Size()
	assert.ErrorIs(t, ln.Start(), ErrListenerStopped)
	assert.Equal(t, workers, ln.pool.Size(), "no workers are spawned for a closed listener")
	_, err := net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestListenerDrainsDataBeforeHangup(t *testing.T) {
	ln := startListener(t, testParams(), echoHandlers())
	for i := 0; i < 5; i++ {
		raw, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		require.NoError(t, err)
		conn := raw.(*net.TCPConn)
		// data and the half close usually land in the same readiness event
		_, err = io.WriteString(conn, "ping\nping2\n")
		require.NoError(t, err)
		require.NoError(t, conn.CloseWrite())

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		reply, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "ping\nping2\n", string(reply))
		require.NoError(t, conn.Close())
	}
	require.Eventually(t, func() bool {
		return ln.Connections() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(5), ln.SnapshotStats().Closed)
}
