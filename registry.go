package dynlistener

import (
	"sync"
)

// Registry maps descriptors to their live connections. A descriptor is
// registered with the poller if and only if it has an entry here.
type Registry struct {
	lock        sync.RWMutex
	connections map[int]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[int]*Connection),
	}
}

// Add stores conn. It reports false if the descriptor is already taken.
func (r *Registry) Add(conn *Connection) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[conn.fd]; ok {
		return false
	}
	r.connections[conn.fd] = conn
	return true
}

func (r *Registry) Find(fd int) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.connections[fd]
	return conn, ok
}

// RemoveIf deletes the entry for fd only if it still holds conn, so a
// stale close never removes a connection that reused the descriptor.
func (r *Registry) RemoveIf(fd int, conn *Connection) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	current, ok := r.connections[fd]
	if !ok || current != conn {
		return false
	}
	delete(r.connections, fd)
	return true
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}

func (r *Registry) Snapshot() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	return connections
}
