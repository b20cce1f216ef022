//go:build !no_automation

package automation

import (
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/store"
)

const maxHandlersPerScript = 100

// registerZigbeeModule registers the `zigbee` global table in a Lua state.
func registerZigbeeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on": func(L *lua.LState) int { return zigbeeOn(L, vm) },
		"log": func(L *lua.LState) int {
			e.logger.Info("script log", "id", vm.id, "msg", L.CheckString(1))
			return 0
		},
		"device":       func(L *lua.LState) int { return zigbeeDevice(L, e) },
		"get_property": func(L *lua.LState) int { return zigbeeGetProperty(L, e) },
		"devices":      func(L *lua.LState) int { return zigbeeDevices(L, e) },
		"after":        func(L *lua.LState) int { return zigbeeAfter(L, vm, e) },
	})
	L.SetGlobal("zigbee", mod)
}

// zigbee.on(type, [filter,] callback)
func zigbeeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() == 2 {
		h.fn = L.CheckFunction(2)
	} else {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("ieee"); v != lua.LNil {
			ieee, err := coordinator.NormalizeIEEE(v.String())
			if err != nil {
				L.ArgError(2, err.Error())
				return 0
			}
			h.ieee = ieee
		}
		if v := filter.RawGetString("property"); v != lua.LNil {
			h.property = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// zigbee.device(ieee_or_name) returns a device table or nil.
func zigbeeDevice(L *lua.LState, e *Engine) int {
	dev := resolveDevice(e, L.CheckString(1))
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(deviceTable(L, dev))
	return 1
}

// zigbee.get_property(ieee_or_name, property)
func zigbeeGetProperty(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	prop := L.CheckString(2)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, dev.Properties[prop]))
	return 1
}

// zigbee.devices() returns an array of device tables.
func zigbeeDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.gw.ListDevices()
	if err != nil {
		e.logger.Warn("list devices for script", "err", err)
	}
	for i, dev := range devices {
		tbl.RawSetInt(i+1, deviceTable(L, dev))
	}
	L.Push(tbl)
	return 1
}

// zigbee.after(seconds, callback) runs callback once after a delay.
func zigbeeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.timers == nil {
		return 0
	}
	var t clock.Timer
	t = e.sched.AfterFunc(d, func() {
		vm.mu.Lock()
		delete(vm.timers, t)
		vm.mu.Unlock()

		ok := vm.post(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		})
		if !ok {
			e.logger.Warn("after: command queue full", "id", vm.id)
		}
	})
	vm.timers[t] = struct{}{}
	return 0
}

func deviceTable(L *lua.LState, dev *store.Device) *lua.LTable {
	d := L.NewTable()
	d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
	d.RawSetString("name", lua.LString(dev.DisplayName()))
	d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
	d.RawSetString("model", lua.LString(dev.Model))
	d.RawSetString("quirk", lua.LString(dev.Quirk))
	if dev.BatterySize != nil {
		d.RawSetString("battery_size", lua.LNumber(*dev.BatterySize))
	}
	if !dev.LastSeen.IsZero() {
		d.RawSetString("last_seen", lua.LNumber(dev.LastSeen.Unix()))
	}
	props := L.NewTable()
	for k, v := range dev.Properties {
		props.RawSetString(k, goToLua(L, v))
	}
	d.RawSetString("properties", props)
	return d
}

// resolveDevice finds a device by IEEE address or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	if _, err := coordinator.ParseIEEE(target); err == nil {
		if dev, err := e.gw.GetDevice(target); err == nil {
			return dev
		}
	}

	devices, err := e.gw.ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.FriendlyName, target) {
			return dev
		}
	}
	return nil
}
