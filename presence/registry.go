// Package presence tracks which identities currently have a live
// connection. The registry is the single source of truth for reachability.
package presence

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"minichat/gateway"
	"minichat/metrics"
	"minichat/protocol"
)

// Conn is the handle the registry keeps per identity. The websocket layer
// owns the concrete type.
type Conn interface {
	// SID is the unique session id of the connection.
	SID() string
	// Identity is the authenticated account the connection belongs to.
	Identity() string
	// CreatedAt is when the connection was established.
	CreatedAt() time.Time
}

// Registry maps identity -> live connection. At most one connection is
// tracked per identity: a new registration supersedes the previous one.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	broker *gateway.Broker
}

func NewRegistry(broker *gateway.Broker) *Registry {
	return &Registry{
		conns:  make(map[string]Conn),
		broker: broker,
	}
}

// Register tracks conn as the live connection of identity and announces
// user:online to all connected users. Returns the superseded connection if
// the identity was already online, so the caller can kick it off.
func (r *Registry) Register(identity string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[identity]
	r.conns[identity] = conn
	if prev == nil {
		metrics.OnlineUsers.Inc()
	}
	r.mu.Unlock()

	if prev != nil {
		glog.V(5).Infof("presence: %s superseded session %s with %s", identity, prev.SID(), conn.SID())
	}

	// Presence notices go to everyone, not to one topic.
	r.broker.Broadcast(protocol.EventUserOnline, &protocol.PresenceNotice{UserID: identity})
	return prev
}

// Deregister removes the entry for identity, but only when conn is still
// the registered connection: a superseded connection disconnecting late
// must not evict its successor. No-op and no event otherwise.
func (r *Registry) Deregister(identity string, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[identity]
	if !ok || (conn != nil && cur.SID() != conn.SID()) {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, identity)
	metrics.OnlineUsers.Dec()
	r.mu.Unlock()

	r.broker.Broadcast(protocol.EventUserOffline, &protocol.PresenceNotice{UserID: identity})
	return true
}

// IsOnline reports whether identity has a registered live connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	_, ok := r.conns[identity]
	r.mu.RUnlock()
	return ok
}

// Lookup returns the registered connection of identity, or nil.
func (r *Registry) Lookup(identity string) Conn {
	r.mu.RLock()
	conn := r.conns[identity]
	r.mu.RUnlock()
	return conn
}

// Snapshot returns the currently registered connections.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}
