package modules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/deltalux/internal/group"
)

// AnyGroup subscribes an on_change handler to every group.
const AnyGroup = "*"

// Groups is what scripts can see and drive.
type Groups interface {
	List() []group.Snapshot
	State(idOrName string) (group.Snapshot, error)
	TurnOn(ctx context.Context, idOrName string, cmd group.TurnOnCommand) error
	TurnOff(ctx context.Context, idOrName string, cmd group.TurnOffCommand) error
}

type changeHandler struct {
	target string // group name, id or AnyGroup
	fn     *lua.LFunction
}

// DeltaluxModule is the "deltalux" Lua module:
//
//	local dl = require("deltalux")
//	dl.turn_on("Living Room", {brightness = 180, transition = 2})
//	dl.on_change("*", function(state) log.info(state.name) end)
type DeltaluxModule struct {
	groups   Groups
	handlers []changeHandler
}

// NewDeltaluxModule creates the module.
func NewDeltaluxModule(groups Groups) *DeltaluxModule {
	return &DeltaluxModule{groups: groups}
}

// Loader is the module loader for Lua
func (m *DeltaluxModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "groups", L.NewFunction(m.list))
	L.SetField(mod, "state", L.NewFunction(m.state))
	L.SetField(mod, "turn_on", L.NewFunction(m.turnOn))
	L.SetField(mod, "turn_off", L.NewFunction(m.turnOff))
	L.SetField(mod, "on_change", L.NewFunction(m.onChange))

	L.Push(mod)
	return 1
}

// groups() -> {name, ...}
func (m *DeltaluxModule) list(L *lua.LState) int {
	tbl := L.NewTable()
	for i, s := range m.groups.List() {
		tbl.RawSetInt(i+1, lua.LString(s.Name))
	}
	L.Push(tbl)
	return 1
}

// state(name) -> table | nil, err
func (m *DeltaluxModule) state(L *lua.LState) int {
	snap, err := m.groups.State(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(snapshotTable(L, snap))
	return 1
}

// turn_on(name, opts) -> true | false, err
func (m *DeltaluxModule) turnOn(L *lua.LState) int {
	name := L.CheckString(1)
	opts := L.OptTable(2, L.NewTable())

	cmd, err := turnOnFromTable(opts)
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	return pushResult(L, m.groups.TurnOn(luaContext(L), name, cmd))
}

// turn_off(name, opts) -> true | false, err
func (m *DeltaluxModule) turnOff(L *lua.LState) int {
	name := L.CheckString(1)
	opts := L.OptTable(2, L.NewTable())

	var cmd group.TurnOffCommand
	if d, ok, err := transitionField(opts); err != nil {
		L.ArgError(2, err.Error())
		return 0
	} else if ok {
		cmd.Transition = &d
	}
	return pushResult(L, m.groups.TurnOff(luaContext(L), name, cmd))
}

// on_change(name, fn) registers fn(state) for a group's state changes.
func (m *DeltaluxModule) onChange(L *lua.LState) int {
	target := L.CheckString(1)
	fn := L.CheckFunction(2)
	m.handlers = append(m.handlers, changeHandler{target: target, fn: fn})

	log.Info().Str("group", target).Msg("Registered group change handler")
	return 0
}

// HandlerCount returns the number of registered on_change handlers.
func (m *DeltaluxModule) HandlerCount() int {
	return len(m.handlers)
}

// Dispatch calls the on_change handlers matching a group state change. Must
// run on the Lua worker.
func (m *DeltaluxModule) Dispatch(L *lua.LState, groupID, name string) {
	var snap *group.Snapshot
	for _, h := range m.handlers {
		if h.target != AnyGroup && h.target != groupID && !strings.EqualFold(h.target, name) {
			continue
		}
		if snap == nil {
			s, err := m.groups.State(groupID)
			if err != nil {
				log.Debug().Err(err).Str("group", name).Msg("Group gone before change handler ran")
				return
			}
			snap = &s
		}

		err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, snapshotTable(L, *snap))
		if err != nil {
			log.Error().Err(err).Str("group", name).Msg("Group change handler failed")
		}
	}
}

func snapshotTable(L *lua.LState, s group.Snapshot) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LString(s.ID))
	tbl.RawSetString("name", lua.LString(s.Name))
	tbl.RawSetString("is_on", lua.LBool(s.IsOn))
	tbl.RawSetString("brightness", GoToLuaValue(L, s.Brightness))
	tbl.RawSetString("master_brightness", lua.LNumber(s.MasterBrightness))
	if s.ColorMode != "" {
		tbl.RawSetString("color_mode", lua.LString(s.ColorMode))
	}

	modes := L.NewTable()
	for i, mode := range s.SupportedColorModes {
		modes.RawSetInt(i+1, lua.LString(mode))
	}
	tbl.RawSetString("supported_color_modes", modes)

	if offsets, ok := s.Attributes["offsets"].(map[string]int); ok {
		tbl.RawSetString("offsets", GoToLuaValue(L, offsets))
	}
	return tbl
}

func turnOnFromTable(opts *lua.LTable) (group.TurnOnCommand, error) {
	var cmd group.TurnOnCommand

	if v := opts.RawGetString("brightness"); v != lua.LNil {
		n, ok := v.(lua.LNumber)
		if !ok || n < 0 || n > 255 {
			return cmd, fmt.Errorf("brightness must be a number between 0 and 255")
		}
		b := int(n)
		cmd.Brightness = &b
	}

	if d, ok, err := transitionField(opts); err != nil {
		return cmd, err
	} else if ok {
		cmd.Transition = &d
	}

	if v := opts.RawGetString("hs_color"); v != lua.LNil {
		n, ok := numbers(v, 2)
		if !ok {
			return cmd, fmt.Errorf("hs_color must be {hue, saturation}")
		}
		cmd.Color.HS = &group.HSColor{n[0], n[1]}
	}
	if v := opts.RawGetString("color_temp"); v != lua.LNil {
		n, ok := v.(lua.LNumber)
		if !ok {
			return cmd, fmt.Errorf("color_temp must be a number")
		}
		ct := int(n)
		cmd.Color.ColorTemp = &ct
	}
	if v := opts.RawGetString("rgb_color"); v != lua.LNil {
		n, ok := numbers(v, 3)
		if !ok {
			return cmd, fmt.Errorf("rgb_color must be {r, g, b}")
		}
		cmd.Color.RGB = &group.RGBColor{int(n[0]), int(n[1]), int(n[2])}
	}
	if v := opts.RawGetString("rgbw_color"); v != lua.LNil {
		n, ok := numbers(v, 4)
		if !ok {
			return cmd, fmt.Errorf("rgbw_color must be {r, g, b, w}")
		}
		cmd.Color.RGBW = &group.RGBWColor{int(n[0]), int(n[1]), int(n[2]), int(n[3])}
	}
	if v := opts.RawGetString("rgbww_color"); v != lua.LNil {
		n, ok := numbers(v, 5)
		if !ok {
			return cmd, fmt.Errorf("rgbww_color must be {r, g, b, cw, ww}")
		}
		cmd.Color.RGBWW = &group.RGBWWColor{int(n[0]), int(n[1]), int(n[2]), int(n[3]), int(n[4])}
	}
	if v := opts.RawGetString("xy_color"); v != lua.LNil {
		n, ok := numbers(v, 2)
		if !ok {
			return cmd, fmt.Errorf("xy_color must be {x, y}")
		}
		cmd.Color.XY = &group.XYColor{n[0], n[1]}
	}
	return cmd, nil
}

// transitionField reads opts.transition in seconds.
func transitionField(opts *lua.LTable) (time.Duration, bool, error) {
	v := opts.RawGetString("transition")
	if v == lua.LNil {
		return 0, false, nil
	}
	n, ok := v.(lua.LNumber)
	if !ok || n < 0 {
		return 0, false, fmt.Errorf("transition must be a non-negative number of seconds")
	}
	return time.Duration(float64(n) * float64(time.Second)), true, nil
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// luaContext returns the worker's context, or Background while the script
// is first loaded.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
