// Package heartbeat probes live gateway connections and tears down the
// ones that stop answering. It is the only component that closes a
// healthy-looking connection; every other close comes from the transport
// itself or from supersession in the registry.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gatehub/internal/events"
	"gatehub/internal/registry"
	"gatehub/internal/wire"
)

// Reference timeout policy: one missed PONG closes the connection.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Monitor runs one watch loop per connection. Each loop is independent; a
// timeout on one facility never affects another.
type Monitor struct {
	registry *registry.Registry
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	probes map[string]chan struct{} // facility -> out-of-band probe trigger
}

// New creates a monitor. Zero durations select the reference defaults.
func New(reg *registry.Registry, bus *events.Bus, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		registry: reg,
		bus:      bus,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "heartbeat"),
		probes:   make(map[string]chan struct{}),
	}
}

// Watch starts the heartbeat loop for a freshly registered connection.
// The loop exits when the connection is torn down for any reason.
func (m *Monitor) Watch(conn *registry.Connection) {
	probe := make(chan struct{}, 1)
	m.mu.Lock()
	m.probes[conn.ID()] = probe
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.probes, conn.ID())
			m.mu.Unlock()
		}()
		m.watch(conn, probe)
	}()
}

// Probe forces an out-of-band heartbeat for a facility, outside the normal
// interval. Returns ErrGatewayUnreachable if no connection is live.
func (m *Monitor) Probe(facility string) error {
	conn := m.registry.Get(facility)
	if conn == nil {
		return registry.ErrGatewayUnreachable
	}
	m.mu.Lock()
	probe := m.probes[conn.ID()]
	m.mu.Unlock()
	if probe == nil {
		return fmt.Errorf("no heartbeat loop for facility %s", facility)
	}
	select {
	case probe <- struct{}{}:
	default:
		// A probe is already pending.
	}
	return nil
}

// watch drives the per-connection state machine:
// Idle -> PingSent -> (PongReceived -> Idle | Timeout -> Closed).
func (m *Monitor) watch(conn *registry.Connection, probe chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
		case <-probe:
		}

		if !m.pingOnce(conn) {
			return
		}
	}
}

// pingOnce sends one PING and waits for the PONG or the timeout. Returns
// false when the connection is gone and the loop should exit.
func (m *Monitor) pingOnce(conn *registry.Connection) bool {
	frame, err := wire.Encode(wire.Frame{Type: wire.TypePing})
	if err != nil {
		m.logger.Error("encode ping", "err", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	writeErr := conn.WriteFrame(ctx, frame)
	cancel()
	if writeErr != nil {
		// The transport is already broken; tear down without a timeout
		// wait. The unregister is a no-op if supersession got there first.
		m.logger.Warn("ping write failed", "facility", conn.Facility(), "err", writeErr)
		m.registry.Unregister(conn, "ping write failed")
		return false
	}

	sentAt := time.Now()
	conn.MarkPingSent(sentAt)
	m.bus.Publish(events.Event{
		Facility:  conn.Facility(),
		Kind:      events.KindPingSent,
		Direction: "out",
		Remote:    conn.RemoteAddr(),
	})

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-conn.Done():
		return false
	case pongAt := <-conn.Pong():
		m.bus.Publish(events.Event{
			Facility:  conn.Facility(),
			Kind:      events.KindPongReceived,
			Direction: "in",
			Remote:    conn.RemoteAddr(),
			Detail:    fmt.Sprintf("rtt=%s", pongAt.Sub(sentAt).Round(time.Millisecond)),
		})
		return true
	case <-timer.C:
		m.logger.Warn("heartbeat timeout", "facility", conn.Facility(), "conn", conn.ID())
		m.bus.Publish(events.Event{
			Facility: conn.Facility(),
			Kind:     events.KindHeartbeatTimeout,
			Remote:   conn.RemoteAddr(),
		})
		m.registry.Unregister(conn, "heartbeat timeout")
		return false
	}
}
