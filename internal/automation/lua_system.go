//go:build !no_automation

package automation

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// datetimeFields maps system.datetime component names to their value.
var datetimeFields = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

// registerSystemModule installs the `system` table. Its clock is the
// engine's scheduler, so replays see virtual time.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime": func(L *lua.LState) int {
			name := L.CheckString(1)
			field, ok := datetimeFields[name]
			if !ok {
				L.ArgError(1, "unknown component: "+name)
				return 0
			}
			L.Push(field(e.sched.Now()))
			return 1
		},
		"time_between": func(L *lua.LState) int {
			from := clockMinute(L, 1)
			to := clockMinute(L, 2)
			L.Push(lua.LBool(minuteBetween(e.sched.Now(), from, to)))
			return 1
		},
		"log": func(L *lua.LState) int {
			var level slog.Level
			if err := level.UnmarshalText([]byte(L.CheckString(1))); err != nil {
				level = slog.LevelInfo
			}
			e.logger.Log(vm.ctx, level, "script log", "id", vm.id, "msg", L.CheckString(2))
			return 0
		},
	}))
}

// clockMinute reads argument n as minutes after midnight. It accepts an hour
// number (22) or an "HH:MM" string ("22:30").
func clockMinute(L *lua.LState, n int) int {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		return int(v) % 24 * 60
	case lua.LString:
		var h, m int
		if _, err := fmt.Sscanf(strings.TrimSpace(string(v)), "%d:%d", &h, &m); err != nil || h > 23 || m > 59 || h < 0 || m < 0 {
			L.ArgError(n, "time must be HH:MM")
		}
		return h*60 + m
	default:
		L.ArgError(n, "time must be an hour or HH:MM")
		return 0
	}
}

// minuteBetween reports whether now falls in [from, to), wrapping past
// midnight when from > to.
func minuteBetween(now time.Time, from, to int) bool {
	cur := now.Hour()*60 + now.Minute()
	if from <= to {
		return cur >= from && cur < to
	}
	return cur >= from || cur < to
}
