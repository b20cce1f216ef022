//go:build !no_automation

// Package automation runs Lua scripts against coordinator events.
package automation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/zcl"
)

const commandQueueSize = 64

// luaEventHandler is a registered Lua callback for a specific event pattern.
type luaEventHandler struct {
	eventType string
	ieee      string // filter: only match this IEEE (empty = any)
	property  string // filter: only match this property (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. Lua code only ever runs
// on the VM's own goroutine.
type scriptVM struct {
	id       string
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex // protects handlers and timers
	handlers []luaEventHandler
	timers   map[clock.Timer]struct{}
}

// post queues fn for the VM goroutine without blocking.
func (vm *scriptVM) post(fn func(*lua.LState)) bool {
	select {
	case <-vm.ctx.Done():
		return false
	default:
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

func (vm *scriptVM) stop() {
	vm.cancel()
	vm.mu.Lock()
	for t := range vm.timers {
		t.Stop()
	}
	vm.timers = nil
	vm.mu.Unlock()
}

func (vm *scriptVM) handlerCount() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.handlers)
}

// Engine manages Lua VMs and dispatches EventBus events to scripts.
//
// Events are delivered on the coordinator's event loop, so dispatch only
// queues work for each VM and never waits for Lua to run.
type Engine struct {
	gw      Gateway
	manager *Manager
	sched   clock.Scheduler
	logger  *slog.Logger

	mu     sync.Mutex
	vms    map[string]*scriptVM // script ID -> running VM
	failed map[string]string    // script ID -> load error
	unsub  func()
}

// NewEngine creates a new automation engine. Script timers run on sched.
func NewEngine(gw Gateway, mgr *Manager, sched clock.Scheduler, logger *slog.Logger) *Engine {
	return &Engine{
		gw:      gw,
		manager: mgr,
		sched:   sched,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
		failed:  make(map[string]string),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.gw.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	running := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", running)
}

// Stop cancels all VMs and their timers and unsubscribes from the EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.stop()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the running VM for id, if any, and starts it again
// from disk unless the script is disabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// Scripts reports every script on disk with its runtime state.
func (e *Engine) Scripts() ([]ScriptStatus, error) {
	scripts, err := e.manager.List()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ScriptStatus, 0, len(scripts))
	for _, s := range scripts {
		st := ScriptStatus{ID: s.ID, Name: s.Meta.Name, Enabled: s.Meta.Enabled, Error: e.failed[s.ID]}
		if vm, ok := e.vms[s.ID]; ok {
			st.Running = true
			st.Handlers = vm.handlerCount()
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.failed, id)
	if vm, ok := e.vms[id]; ok {
		vm.stop()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newState returns a sandboxed Lua state with the engine's modules.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(vm.ctx)
	registerZigbeeModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &scriptVM{
		id:       s.ID,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[clock.Timer]struct{}),
	}
	L := e.newState(vm)

	// Top-level code registers handlers via zigbee.on.
	if err := L.DoString(s.LuaCode); err != nil {
		vm.stop()
		L.Close()
		e.mu.Lock()
		e.failed[s.ID] = err.Error()
		e.mu.Unlock()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
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

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", vm.handlerCount())
	return nil
}

// dispatchEvent routes an EventBus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			if !vm.post(func(L *lua.LState) { e.callHandler(L, vm, fn, event) }) {
				e.logger.Warn("script command queue full, dropping event", "id", vm.id, "event", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	if h.eventType != event.Type && h.eventType != "*" {
		return false
	}

	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return h.ieee == "" && h.property == ""
	}
	if h.ieee != "" {
		if ieee, _ := data["ieee"].(string); ieee != h.ieee {
			return false
		}
	}
	if h.property != "" {
		if prop, _ := data["property"].(string); prop != h.property {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, event coordinator.Event) {
	eventTable := L.NewTable()
	eventTable.RawSetString("type", lua.LString(event.Type))
	if data, ok := event.Data.(map[string]interface{}); ok {
		for k, v := range data {
			eventTable.RawSetString(k, goToLua(L, v))
		}
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable); err != nil {
		e.logger.Error("lua handler error", "id", vm.id, "event", event.Type, "err", err)
	}
}

// goToLua converts event data to Lua. Byte strings become hex and times
// RFC 3339; anything else unknown is formatted with %v.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []byte:
		return lua.LString(hex.EncodeToString(val))
	case time.Time:
		return lua.LString(val.Format(time.RFC3339))
	case map[string]interface{}:
		t := L.CreateTable(0, len(val))
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.CreateTable(len(val), 0)
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	}
	if n, ok := zcl.ToInt64(v); ok {
		return lua.LNumber(n)
	}
	return lua.LString(fmt.Sprintf("%v", v))
}
