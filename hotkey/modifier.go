// Package hotkey tracks live modifier state and detects hotkey presses.
//
// A Tracker follows press/release of the four logical modifiers; a Detector
// adds an edge latch per Combo so that holding a hotkey down (the OS
// re-delivering the trigger press) fires its action exactly once.
package hotkey

import (
	"strings"

	"go.aimuz.me/macro/event"
)

// Modifier is a set of logical modifier keys.
type Modifier uint8

const (
	ModNone Modifier = 0
	ModCmd  Modifier = 1 << (iota - 1)
	ModCtrl
	ModAlt
	ModShift
)

// Has reports whether m contains every modifier of mod.
func (m Modifier) Has(mod Modifier) bool {
	return m&mod == mod
}

// names in display order.
var modifierOrder = []struct {
	mod  Modifier
	name string
}{
	{ModCmd, "cmd"},
	{ModCtrl, "ctrl"},
	{ModAlt, "alt"},
	{ModShift, "shift"},
}

// modifierNames maps accepted spellings to a modifier.
var modifierNames = map[string]Modifier{
	"cmd":     ModCmd,
	"command": ModCmd,
	"meta":    ModCmd,
	"super":   ModCmd,
	"win":     ModCmd,
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"alt":     ModAlt,
	"option":  ModAlt,
	"opt":     ModAlt,
	"shift":   ModShift,
}

// modifierKeys maps physical key names, left and right variants included,
// to the logical modifier they drive.
var modifierKeys = map[event.Key]Modifier{
	"cmd":    ModCmd,
	"lcmd":   ModCmd,
	"rcmd":   ModCmd,
	"meta":   ModCmd,
	"lmeta":  ModCmd,
	"rmeta":  ModCmd,
	"super":  ModCmd,
	"win":    ModCmd,
	"ctrl":   ModCtrl,
	"lctrl":  ModCtrl,
	"rctrl":  ModCtrl,
	"alt":    ModAlt,
	"lalt":   ModAlt,
	"ralt":   ModAlt,
	"altgr":  ModAlt,
	"shift":  ModShift,
	"lshift": ModShift,
	"rshift": ModShift,
}

// ModifierOf returns the logical modifier driven by k, or ModNone.
func ModifierOf(k event.Key) Modifier {
	return modifierKeys[event.Key(strings.ToLower(string(k)))]
}

// ModifierState is the live state of the four logical modifiers.
type ModifierState struct {
	Cmd   bool
	Alt   bool
	Ctrl  bool
	Shift bool
}

// Held returns the set of modifiers currently down.
func (s ModifierState) Held() Modifier {
	var m Modifier
	if s.Cmd {
		m |= ModCmd
	}
	if s.Ctrl {
		m |= ModCtrl
	}
	if s.Alt {
		m |= ModAlt
	}
	if s.Shift {
		m |= ModShift
	}
	return m
}

func (s *ModifierState) set(m Modifier, down bool) {
	switch m {
	case ModCmd:
		s.Cmd = down
	case ModCtrl:
		s.Ctrl = down
	case ModAlt:
		s.Alt = down
	case ModShift:
		s.Shift = down
	}
}

// Tracker maintains ModifierState from an observed event stream.
// It is not safe for concurrent use; the owner serialises access.
type Tracker struct {
	state ModifierState
}

// Observe updates the modifier state. Non-modifier events are ignored and a
// release without a prior press simply leaves the modifier up.
func (t *Tracker) Observe(ev event.Event) {
	if !ev.IsKey() {
		return
	}
	mod := ModifierOf(ev.Key)
	if mod == ModNone {
		return
	}
	t.state.set(mod, ev.Kind == event.KindKeyPress)
}

// Matches reports whether every modifier of c is currently held.
func (t *Tracker) Matches(c Combo) bool {
	return t.state.Held().Has(c.Modifiers)
}

// State returns a snapshot of the modifier state.
func (t *Tracker) State() ModifierState {
	return t.state
}
