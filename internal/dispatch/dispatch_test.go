package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gatehub/internal/auth"
	"gatehub/internal/events"
	"gatehub/internal/registry"
	"gatehub/internal/store"
	"gatehub/internal/wire"
)

type captureChannel struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
}

func (c *captureChannel) WriteFrame(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *captureChannel) Close(string) error { return nil }
func (c *captureChannel) RemoteAddr() string { return "10.1.1.1:1" }

func (c *captureChannel) lastFrame(t *testing.T) wire.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frame written")
	}
	f, err := wire.Decode(c.frames[len(c.frames)-1])
	if err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	return f
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(64, logger)
	reg := registry.New(bus, logger)

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "gatehub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(reg, bus, st, time.Second, logger), reg, st
}

func admin() auth.Identity {
	return auth.Identity{Name: "ops", Role: auth.RoleAdmin}
}

func TestDispatchWritesCommandFrame(t *testing.T) {
	d, reg, st := newTestDispatcher(t)
	ch := &captureChannel{}
	if _, err := reg.Register("warehouse-3", ch, admin()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := d.Dispatch(context.Background(), GatewayCommand{
		Facility:        "warehouse-3",
		Command:         CommandUnlock,
		TargetDeviceIDs: []string{"door-a"},
		UserID:          "u-9",
	}, admin())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || res.CommandID == "" {
		t.Errorf("result = %+v", res)
	}

	frame := ch.lastFrame(t)
	if frame.Type != wire.TypeCommand {
		t.Errorf("frame type = %q, want %q", frame.Type, wire.TypeCommand)
	}
	var p wire.CommandPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Command != string(CommandUnlock) || p.CommandID != res.CommandID || p.UserID != "u-9" {
		t.Errorf("payload = %+v", p)
	}

	// The command leaves a durable audit trace.
	entries, err := st.ListAudit(10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "command" || entries[0].Facility != "warehouse-3" {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestDispatchUnreachable(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), GatewayCommand{
		Facility:        "nowhere",
		Command:         CommandLock,
		TargetDeviceIDs: []string{"door-a"},
	}, admin())
	if !errors.Is(err, registry.ErrGatewayUnreachable) {
		t.Fatalf("err = %v, want ErrGatewayUnreachable", err)
	}
}

func TestDispatchUnauthorized(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	if _, err := reg.Register("warehouse-3", &captureChannel{}, admin()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	viewer := auth.Identity{Name: "v", Role: auth.RoleViewer}
	_, err := d.Dispatch(context.Background(), GatewayCommand{
		Facility:        "warehouse-3",
		Command:         CommandLock,
		TargetDeviceIDs: []string{"door-a"},
	}, viewer)
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestDispatchValidation(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	if _, err := d.Dispatch(context.Background(), GatewayCommand{
		Facility:        "warehouse-3",
		Command:         Command("REBOOT"),
		TargetDeviceIDs: []string{"door-a"},
	}, admin()); err == nil {
		t.Error("unknown command accepted")
	}

	if _, err := d.Dispatch(context.Background(), GatewayCommand{
		Facility: "warehouse-3",
		Command:  CommandLock,
	}, admin()); err == nil {
		t.Error("empty target list accepted")
	}
}

func TestDispatchTransportError(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	ch := &captureChannel{writeErr: errors.New("broken pipe")}
	if _, err := reg.Register("warehouse-3", ch, admin()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := d.Dispatch(context.Background(), GatewayCommand{
		Facility:        "warehouse-3",
		Command:         CommandDenylistAdd,
		TargetDeviceIDs: []string{"door-a"},
	}, admin())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}
