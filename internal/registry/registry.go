// Package registry tracks the single live gateway connection per facility.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatehub/internal/auth"
	"gatehub/internal/events"
)

// ErrGatewayUnreachable is returned when no live connection exists for a
// facility. Not retried automatically; surfaced as "gateway offline".
var ErrGatewayUnreachable = errors.New("gateway unreachable")

// Channel is the transport half of a gateway connection. The registry owns
// the channel exclusively once the connection is registered.
type Channel interface {
	// WriteFrame sends one encoded frame. Implementations must be safe
	// for concurrent use.
	WriteFrame(ctx context.Context, data []byte) error
	// Close tears the channel down with a reason visible to the peer.
	// Must be idempotent.
	Close(reason string) error
	// RemoteAddr describes the peer for diagnostics.
	RemoteAddr() string
}

// Connection is one registered gateway channel. At most one Connection per
// facility is live at a time; a newer registration supersedes and closes
// the older one.
type Connection struct {
	id          string
	facility    string
	ch          Channel
	connectedAt time.Time

	mu           sync.Mutex
	lastPingSent time.Time
	lastPong     time.Time
	rtt          time.Duration

	pong chan time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(facility string, ch Channel) *Connection {
	return &Connection{
		id:          uuid.NewString(),
		facility:    facility,
		ch:          ch,
		connectedAt: time.Now(),
		pong:        make(chan time.Time, 1),
		done:        make(chan struct{}),
	}
}

// ID returns the unique handle for this registration.
func (c *Connection) ID() string { return c.id }

// Facility returns the facility this connection serves.
func (c *Connection) Facility() string { return c.facility }

// RemoteAddr describes the peer.
func (c *Connection) RemoteAddr() string { return c.ch.RemoteAddr() }

// ConnectedAt returns when the connection registered.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// WriteFrame sends one frame on the underlying channel.
func (c *Connection) WriteFrame(ctx context.Context, data []byte) error {
	return c.ch.WriteFrame(ctx, data)
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// MarkPingSent records an outgoing heartbeat probe.
func (c *Connection) MarkPingSent(t time.Time) {
	c.mu.Lock()
	c.lastPingSent = t
	c.mu.Unlock()
}

// HandlePong records an incoming heartbeat response and wakes the monitor.
// Called by the transport read loop.
func (c *Connection) HandlePong(t time.Time) {
	c.mu.Lock()
	c.lastPong = t
	if !c.lastPingSent.IsZero() && t.After(c.lastPingSent) {
		c.rtt = t.Sub(c.lastPingSent)
	}
	c.mu.Unlock()
	select {
	case c.pong <- t:
	default:
	}
}

// Pong delivers heartbeat responses to the monitor.
func (c *Connection) Pong() <-chan time.Time { return c.pong }

// LastPong returns the time of the most recent heartbeat response.
func (c *Connection) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// RTT returns the most recently measured round-trip time. Informational
// only.
func (c *Connection) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// close tears down the channel exactly once.
func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.ch.Close(reason)
		close(c.done)
	})
}

// Status is the read-surface view of a facility's connection.
type Status struct {
	Connected bool
	LastPong  time.Time
	RTT       time.Duration
}

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry is the sharded connection table. Operations on unrelated
// facilities never contend on the same lock.
type Registry struct {
	shards [shardCount]shard
	bus    *events.Bus
	logger *slog.Logger
}

// New creates an empty registry publishing lifecycle events to bus.
func New(bus *events.Bus, logger *slog.Logger) *Registry {
	r := &Registry{bus: bus, logger: logger.With("component", "registry")}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]*Connection)
	}
	return r
}

func (r *Registry) shardFor(facility string) *shard {
	h := fnv.New32a()
	h.Write([]byte(facility))
	return &r.shards[h.Sum32()%shardCount]
}

// Register installs a newly authenticated channel for a facility. Any
// existing connection for the same facility is closed (superseded) before
// the new one becomes visible; at-most-one-live-connection is enforced
// here, not by the caller.
func (r *Registry) Register(facility string, ch Channel, identity auth.Identity) (*Connection, error) {
	if !identity.CanManageFacility(facility) {
		return nil, auth.ErrUnauthorized
	}

	conn := newConnection(facility, ch)

	s := r.shardFor(facility)
	s.mu.Lock()
	prev := s.conns[facility]
	s.conns[facility] = conn
	s.mu.Unlock()

	if prev != nil {
		prev.close("superseded by new connection")
		r.logger.Info("connection superseded", "facility", facility, "old", prev.ID(), "new", conn.ID())
		r.bus.Publish(events.Event{
			Facility: facility,
			Kind:     events.KindConnectionClosed,
			Remote:   prev.RemoteAddr(),
			Detail:   "superseded:" + prev.ID(),
		})
	}

	r.logger.Info("gateway connected", "facility", facility, "remote", ch.RemoteAddr(), "conn", conn.ID())
	r.bus.Publish(events.Event{
		Facility: facility,
		Kind:     events.KindConnectionOpened,
		Remote:   ch.RemoteAddr(),
		Detail:   conn.ID(),
	})
	return conn, nil
}

// Unregister removes a connection if (and only if) it is still the current
// one for its facility, then closes it. Idempotent; a stale handle from a
// superseded connection is a no-op so it cannot clobber a newer one.
func (r *Registry) Unregister(conn *Connection, reason string) {
	if conn == nil {
		return
	}
	s := r.shardFor(conn.facility)
	s.mu.Lock()
	current := s.conns[conn.facility] == conn
	if current {
		delete(s.conns, conn.facility)
	}
	s.mu.Unlock()

	conn.close(reason)

	if current {
		r.logger.Info("gateway disconnected", "facility", conn.facility, "conn", conn.ID(), "reason", reason)
		r.bus.Publish(events.Event{
			Facility: conn.facility,
			Kind:     events.KindConnectionClosed,
			Remote:   conn.RemoteAddr(),
			Detail:   conn.ID(),
		})
	}
}

// Get returns the live connection for a facility, or nil.
func (r *Registry) Get(facility string) *Connection {
	s := r.shardFor(facility)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[facility]
}

// Status is a pure read of a facility's connection state. It never touches
// the network; a facility with no entry reports disconnected with no
// timestamp.
func (r *Registry) Status(facility string) Status {
	conn := r.Get(facility)
	if conn == nil {
		return Status{}
	}
	return Status{Connected: true, LastPong: conn.LastPong(), RTT: conn.RTT()}
}

// Snapshot returns all currently-registered connections. Connections that
// register after the snapshot is taken are not included; fleet-wide
// broadcasts accept that gap.
func (r *Registry) Snapshot() []*Connection {
	var out []*Connection
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, conn := range s.conns {
			out = append(out, conn)
		}
		s.mu.RUnlock()
	}
	return out
}
