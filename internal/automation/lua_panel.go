//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tv-fleet-panel/internal/panel"
)

const (
	maxHandlersPerScript = 100
	refreshTimeout       = 30 * time.Second
)

// registerPanelModule registers the `panel` global table in a Lua state.
func registerPanelModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	d := e.panel.Dispatcher()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return panelOn(L, vm)
	}))

	mod.RawSetString("toggle", L.NewFunction(func(L *lua.LState) int {
		return pushCommand(L, d.Toggle)
	}))

	mod.RawSetString("power_on", L.NewFunction(func(L *lua.LState) int {
		return pushCommand(L, d.PowerOn)
	}))

	mod.RawSetString("reconnect", L.NewFunction(func(L *lua.LState) int {
		return pushCommand(L, d.Reconnect)
	}))

	mod.RawSetString("power_on_all", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(d.PowerOnAll(L.OptBool(1, true))))
		return 1
	}))

	mod.RawSetString("power_off_except_meeting", L.NewFunction(func(L *lua.LState) int {
		// a script calling this has already decided
		id, err := d.PowerOffExceptMeeting(func(string) bool { return true })
		return pushResult(L, id, err)
	}))

	mod.RawSetString("refresh", L.NewFunction(func(L *lua.LState) int {
		return panelRefresh(L, vm, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return panelAfter(L, vm, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return panelDevices(L, e)
	}))

	mod.RawSetString("device", L.NewFunction(func(L *lua.LState) int {
		return panelDevice(L, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return panelLog(L, vm, e)
	}))

	mod.RawSetString("now", L.NewFunction(panelNow))
	mod.RawSetString("time_between", L.NewFunction(panelTimeBetween))

	L.SetGlobal("panel", mod)
}

// panel.on(type, [filter], callback)
func panelOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		if v := arg.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
		}
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or callback expected")
		return 0
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

// pushCommand runs a per-TV command and returns its ID, or nil and the error
// message.
func pushCommand(L *lua.LState, cmd func(name string) (string, error)) int {
	id, err := cmd(L.CheckString(1))
	return pushResult(L, id, err)
}

func pushResult(L *lua.LState, id string, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(id))
	return 1
}

// panel.refresh() blocks until the status request returns.
func panelRefresh(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := context.WithTimeout(vm.ctx, refreshTimeout)
	defer cancel()
	if err := e.panel.Refresh(ctx); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// panel.after(seconds, callback)
func panelAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

func deviceTable(L *lua.LState, d panel.DeviceView) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(d.Name))
	t.RawSetString("sector", lua.LString(d.OriginalSector))
	t.RawSetString("online", lua.LBool(d.Online))
	t.RawSetString("state", lua.LString(d.Indicator))
	return t
}

// panel.devices() returns every TV in display order.
func panelDevices(L *lua.LState, e *Engine) int {
	t := L.NewTable()
	for i, d := range e.panel.Session().Devices() {
		t.RawSetInt(i+1, deviceTable(L, d))
	}
	L.Push(t)
	return 1
}

// panel.device(name) returns one TV or nil.
func panelDevice(L *lua.LState, e *Engine) int {
	d, ok := e.panel.Session().Device(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(deviceTable(L, d))
	return 1
}

// panel.log(msg, [level])
func panelLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	level := L.OptString(2, "info")

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		level = "info"
		e.logger.Info("script log", "msg", msg)
	}
	if vm.logf != nil {
		vm.logf(level, msg)
	}
	return 0
}

// panel.now(component) returns a component of the current local time.
func panelNow(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// panel.time_between(from_hour, to_hour) reports whether the current hour is
// in [from, to), wrapping past midnight when from > to.
func panelTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
