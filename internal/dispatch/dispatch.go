// Package dispatch relays operator-issued device commands to the live
// gateway connection for a facility. It is a synchronous best-effort
// relay: no queuing, no retry, no idempotence. Success means the frame
// was written, not that the gateway acknowledged it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gatehub/internal/auth"
	"gatehub/internal/events"
	"gatehub/internal/registry"
	"gatehub/internal/store"
	"gatehub/internal/wire"
)

// ErrTransport is returned when a write failed on a connection that looked
// live. This is a race with the heartbeat monitor; safe to retry once
// after re-checking registry state.
var ErrTransport = errors.New("transport write failed")

// Command is a device-level operation relayed to a gateway.
type Command string

const (
	CommandLock           Command = "LOCK"
	CommandUnlock         Command = "UNLOCK"
	CommandDenylistAdd    Command = "DENYLIST_ADD"
	CommandDenylistRemove Command = "DENYLIST_REMOVE"
)

// Valid reports whether the command is a known operation.
func (c Command) Valid() bool {
	switch c {
	case CommandLock, CommandUnlock, CommandDenylistAdd, CommandDenylistRemove:
		return true
	}
	return false
}

// GatewayCommand is one facility-scoped command. It is a transient relay
// unit; its only durable trace is the audit entry.
type GatewayCommand struct {
	Facility        string   `json:"facility_id"`
	Command         Command  `json:"command"`
	TargetDeviceIDs []string `json:"target_device_ids"`
	UserID          string   `json:"user_id,omitempty"`
}

// Result reports a successful dispatch. Acknowledgment, if the gateway
// sends one, arrives later as a separate event.
type Result struct {
	Success         bool     `json:"success"`
	TargetDeviceIDs []string `json:"target_device_ids"`
	CommandID       string   `json:"command_id"`
}

// Dispatcher routes commands through the connection registry.
type Dispatcher struct {
	registry     *registry.Registry
	bus          *events.Bus
	store        store.Store
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a dispatcher. writeTimeout bounds the single channel write;
// zero selects 10s.
func New(reg *registry.Registry, bus *events.Bus, st store.Store, writeTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Dispatcher{
		registry:     reg,
		bus:          bus,
		store:        st,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "dispatch"),
	}
}

// Dispatch relays cmd to the live connection for its facility.
//
// Failure modes: auth.ErrUnauthorized (role check),
// registry.ErrGatewayUnreachable (no live connection), ErrTransport
// (write failed on a believed-live connection).
func (d *Dispatcher) Dispatch(ctx context.Context, cmd GatewayCommand, issuer auth.Identity) (*Result, error) {
	if !cmd.Command.Valid() {
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
	if len(cmd.TargetDeviceIDs) == 0 {
		return nil, fmt.Errorf("target device ids must not be empty")
	}
	// Lock and denylist commands are restricted to elevated roles.
	if !issuer.CanManageFacility(cmd.Facility) {
		return nil, fmt.Errorf("dispatch %s to %s: %w", cmd.Command, cmd.Facility, auth.ErrUnauthorized)
	}

	conn := d.registry.Get(cmd.Facility)
	if conn == nil {
		return nil, fmt.Errorf("facility %s: %w", cmd.Facility, registry.ErrGatewayUnreachable)
	}

	commandID := uuid.NewString()
	frame, err := wire.NewFrame(wire.TypeCommand, wire.CommandPayload{
		CommandID:       commandID,
		Command:         string(cmd.Command),
		TargetDeviceIDs: cmd.TargetDeviceIDs,
		UserID:          cmd.UserID,
	})
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(frame)
	if err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()
	if err := conn.WriteFrame(writeCtx, data); err != nil {
		d.logger.Warn("command write failed", "facility", cmd.Facility, "command", cmd.Command, "err", err)
		return nil, fmt.Errorf("facility %s: %w: %v", cmd.Facility, ErrTransport, err)
	}

	d.bus.Publish(events.Event{
		Facility:  cmd.Facility,
		Kind:      events.KindCommandDispatched,
		Direction: "out",
		Remote:    conn.RemoteAddr(),
		FrameType: wire.TypeCommand,
		Detail:    fmt.Sprintf("%s id=%s targets=%d", cmd.Command, commandID, len(cmd.TargetDeviceIDs)),
	})
	d.audit(cmd, issuer, commandID)

	d.logger.Info("command dispatched", "facility", cmd.Facility, "command", cmd.Command, "id", commandID, "targets", len(cmd.TargetDeviceIDs))
	return &Result{Success: true, TargetDeviceIDs: cmd.TargetDeviceIDs, CommandID: commandID}, nil
}

// audit writes the command's durable trace. Best-effort: a store failure
// is logged, never surfaced to the caller.
func (d *Dispatcher) audit(cmd GatewayCommand, issuer auth.Identity, commandID string) {
	if d.store == nil {
		return
	}
	entry := &store.AuditEntry{
		ID:       commandID,
		TS:       time.Now(),
		Kind:     "command",
		Facility: cmd.Facility,
		Actor:    issuer.Name,
		Detail: map[string]string{
			"command": string(cmd.Command),
			"targets": fmt.Sprintf("%d", len(cmd.TargetDeviceIDs)),
		},
	}
	if cmd.UserID != "" {
		entry.Detail["user_id"] = cmd.UserID
	}
	if err := d.store.AppendAudit(entry); err != nil {
		d.logger.Error("append audit entry", "err", err)
	}
}
