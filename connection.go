package dynlistener

import (
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Connection is the record kept for every accepted socket. Apart from the
// atomic counters it is only touched by the worker holding the
// descriptor's in-flight slot.
type Connection struct {
	id        string
	fd        int
	peer      *net.TCPAddr
	accepted  time.Time
	transport Transport
	handler   ProtocolHandler

	state      *atomic.Uint32
	lastActive *atomic.Int64
	bytesIn    *atomic.Uint64
	bytesOut   *atomic.Uint64
	opened     *atomic.Bool
	closing    *atomic.Bool
	closed     *atomic.Bool
}

func newConnection(fd int, peer *net.TCPAddr, transport Transport, handler ProtocolHandler, now time.Time) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		fd:         fd,
		peer:       peer,
		accepted:   now,
		transport:  transport,
		handler:    handler,
		state:      atomic.NewUint32(uint32(StateNone)),
		lastActive: atomic.NewInt64(now.UnixNano()),
		bytesIn:    atomic.NewUint64(0),
		bytesOut:   atomic.NewUint64(0),
		opened:     atomic.NewBool(false),
		closing:    atomic.NewBool(false),
		closed:     atomic.NewBool(false),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) FD() int {
	return c.fd
}

func (c *Connection) Peer() *net.TCPAddr {
	return c.peer
}

func (c *Connection) AcceptedAt() time.Time {
	return c.accepted
}

func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) BytesIn() uint64 {
	return c.bytesIn.Load()
}

func (c *Connection) BytesOut() uint64 {
	return c.bytesOut.Load()
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// advance moves the connection to the highest stage in next. Going back
// or leaving Shut is refused.
func (c *Connection) advance(next ConnState) bool {
	for {
		current := ConnState(c.state.Load())
		if current.Has(StateShut) || next.rank() < current.rank() {
			return false
		}
		target := StateShut
		switch next.rank() {
		case 1:
			target = StateNew
		case 2:
			target = StateRead
		}
		if c.state.CompareAndSwap(uint32(current), uint32(target)) {
			return true
		}
	}
}

func (c *Connection) touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// Write sends p to the peer through the connection's transport.
func (c *Connection) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	n, err := c.transport.Write(p)
	if n > 0 {
		c.bytesOut.Add(uint64(n))
	}
	return n, err
}

func (c *Connection) read(p []byte) (int, error) {
	n, err := c.transport.Read(p)
	if n > 0 {
		c.bytesIn.Add(uint64(n))
	}
	return n, err
}

// release closes the handler and the transport. The descriptor itself is
// closed by the listener.
func (c *Connection) release() {
	if c.opened.CompareAndSwap(true, false) && c.handler != nil {
		c.handler.Close(c)
	}
	if c.transport != nil {
		_ = c.transport.Close()
	}
}
