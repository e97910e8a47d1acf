// Package alerts runs operator Lua hooks against the diagnostic event
// stream. Each script gets its own sandboxed VM; scripts register
// handlers with hub.on(kind, fn) and receive event tables. A failing
// script never affects the hub or the other scripts.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"gatehub/internal/events"
)

// luaHandler is a registered Lua callback for an event kind ("*" = all).
type luaHandler struct {
	kind string
	fn   *lua.LFunction
}

// scriptVM is one running Lua VM. All Lua access goes through the
// commands channel so the VM is only ever touched from its own goroutine.
type scriptVM struct {
	name     string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaHandler
	cancel   context.CancelFunc
}

// Engine loads alert scripts and dispatches bus events to them.
type Engine struct {
	bus    *events.Bus
	dir    string
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*scriptVM

	sub  *events.Subscription
	done chan struct{}
}

// NewEngine creates an alert engine loading scripts from dir.
func NewEngine(bus *events.Bus, dir string, logger *slog.Logger) *Engine {
	return &Engine{
		bus:    bus,
		dir:    dir,
		logger: logger.With("component", "alerts"),
		vms:    make(map[string]*scriptVM),
		done:   make(chan struct{}),
	}
}

// Start loads all .lua scripts and subscribes to the event bus.
func (e *Engine) Start() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("no alert scripts directory, skipping", "dir", e.dir)
			return nil
		}
		return fmt.Errorf("read scripts dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		if err := e.loadScript(filepath.Join(e.dir, entry.Name())); err != nil {
			e.logger.Error("load alert script", "script", entry.Name(), "err", err)
		}
	}

	e.sub = e.bus.Subscribe("")
	go e.run()

	e.logger.Info("alert engine started", "scripts", len(e.vms))
	return nil
}

// Stop cancels all VMs and detaches from the bus.
func (e *Engine) Stop() {
	close(e.done)
	if e.sub != nil {
		e.sub.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, vm := range e.vms {
		vm.cancel()
		delete(e.vms, name)
	}
	e.logger.Info("alert engine stopped")
}

func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.sub.Events():
			if !ok {
				return
			}
			e.dispatch(ev)
		}
	}
}

// loadScript creates a sandboxed VM, executes the script body (which
// registers handlers), and starts the VM's command loop.
func (e *Engine) loadScript(path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".lua")

	ctx, cancel := context.WithCancel(context.Background())
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions.
	for _, g := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(g, lua.LNil)
	}

	vm := &scriptVM{
		name:     name,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		cancel:   cancel,
	}
	e.registerHubModule(L, vm)

	if err := L.DoString(string(code)); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", name, err)
	}

	e.mu.Lock()
	e.vms[name] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("alert script loaded", "script", name, "handlers", len(vm.handlers))
	return nil
}

// registerHubModule installs the `hub` table: hub.on(kind, fn) and
// hub.log(msg).
func (e *Engine) registerHubModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		kind := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.handlers = append(vm.handlers, luaHandler{kind: kind, fn: fn})
		return 0
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("alert", "script", vm.name, "msg", msg)
		return 0
	}))

	L.SetGlobal("hub", mod)
}

// dispatch forwards an event to every VM with a matching handler. Handler
// execution is serialized per VM through its command channel; a full
// channel drops the event for that script rather than blocking the
// engine.
func (e *Engine) dispatch(ev events.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		var matched []*lua.LFunction
		for _, h := range vm.handlers {
			if h.kind == "*" || h.kind == ev.Kind {
				matched = append(matched, h.fn)
			}
		}
		if len(matched) == 0 {
			continue
		}

		vmRef := vm
		cmd := func(L *lua.LState) {
			table := L.NewTable()
			table.RawSetString("kind", lua.LString(ev.Kind))
			table.RawSetString("facility", lua.LString(ev.Facility))
			table.RawSetString("ts", lua.LString(ev.TS.Format("2006-01-02T15:04:05Z07:00")))
			if ev.Remote != "" {
				table.RawSetString("remote", lua.LString(ev.Remote))
			}
			if ev.FrameType != "" {
				table.RawSetString("frame_type", lua.LString(ev.FrameType))
			}
			if ev.Detail != "" {
				table.RawSetString("detail", lua.LString(ev.Detail))
			}
			for _, fn := range matched {
				if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, table); err != nil {
					e.logger.Warn("alert handler error", "script", vmRef.name, "kind", ev.Kind, "err", err)
				}
			}
		}

		select {
		case vm.commands <- cmd:
		default:
			e.logger.Warn("alert script backlogged, dropping event", "script", vm.name, "kind", ev.Kind)
		}
	}
}
