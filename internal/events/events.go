// Package events implements the diagnostic event bus. Publication is
// non-blocking fan-out; each subscriber owns a bounded ring buffer with
// drop-oldest semantics, so a slow or absent consumer never stalls a
// publisher. Nothing in the command or rotation paths depends on a
// subscriber being present.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	KindPingSent          = "ping_sent"
	KindPongReceived      = "pong_received"
	KindHeartbeatTimeout  = "heartbeat_timeout"
	KindConnectionOpened  = "connection_opened"
	KindConnectionClosed  = "connection_closed"
	KindFrameSent         = "frame_sent"
	KindFrameReceived     = "frame_received"
	KindCommandDispatched = "command_dispatched"
	KindRotationBroadcast = "rotation_broadcast"
)

// Event is an immutable diagnostic record.
type Event struct {
	Facility  string    `json:"facility_id"`
	Kind      string    `json:"kind"`
	TS        time.Time `json:"ts"`
	Direction string    `json:"direction,omitempty"` // "in" or "out"
	Remote    string    `json:"remote,omitempty"`
	FrameType string    `json:"frame_type,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// DefaultBufferCapacity is the per-subscriber buffer size when none is
// configured.
const DefaultBufferCapacity = 200

// Subscription is one consumer's view of the bus. Events arrive on
// Events() starting from the moment of subscription; there is no replay.
type Subscription struct {
	facility string // empty = all facilities

	mu   sync.Mutex
	ring *Ring

	notify chan struct{}
	out    chan Event
	done   chan struct{}

	closeOnce sync.Once
	cancel    func()
}

// Events returns the subscriber's delivery channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close detaches the subscription from the bus and closes Events().
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// push buffers an event, evicting the oldest if the buffer is full, and
// nudges the pump. Never blocks.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.ring.Push(ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves buffered events onto the out channel in FIFO order. If the
// consumer stops reading, delivery parks here while push keeps capping
// the ring.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			ev, ok := s.ring.Pop()
			s.mu.Unlock()
			if !ok {
				break
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	capacity int
	logger   *slog.Logger
}

// NewBus creates an event bus whose subscribers buffer up to capacity
// events each. capacity <= 0 selects DefaultBufferCapacity.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Bus{
		subs:     make(map[uint64]*Subscription),
		capacity: capacity,
		logger:   logger,
	}
}

// Subscribe attaches a consumer. facility filters delivery to one facility;
// empty receives everything. The caller must Close the subscription.
func (b *Bus) Subscribe(facility string) *Subscription {
	sub := &Subscription{
		facility: facility,
		ring:     NewRing(b.capacity),
		notify:   make(chan struct{}, 1),
		out:      make(chan Event),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}

	go sub.pump()
	return sub
}

// Publish fans an event out to matching subscribers. Best-effort and
// non-blocking: a full subscriber buffer drops its oldest entry.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.facility == "" || sub.facility == ev.Facility {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.push(ev)
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
