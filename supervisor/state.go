package supervisor

import (
	"fmt"

	"go.aimuz.me/macro/hotkey"
	"go.aimuz.me/macro/player"
)

// State is the UI-visible supervisor state.
type State uint8

const (
	Idle State = iota
	Recording
	Playing
	Loaded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Playing:
		return "playing"
	case Loaded:
		return "loaded"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// View is a snapshot of supervisor state for menus and windows.
type View struct {
	State State
	// Loaded is the path of the selected recording, if any.
	Loaded string

	CanToggleRecording bool
	CanTogglePlayback  bool
	CanLoad            bool
	CanUnload          bool

	Playback player.Options
	Keymap   hotkey.Keymap
}

// deriveState applies the precedence Recording > Playing > Loaded > Idle.
func deriveState(recording, playing bool, loaded string) State {
	switch {
	case recording:
		return Recording
	case playing:
		return Playing
	case loaded != "":
		return Loaded
	}
	return Idle
}

func newView(st State, loaded string, playback player.Options, km hotkey.Keymap) View {
	return View{
		State:              st,
		Loaded:             loaded,
		CanToggleRecording: st != Playing,
		CanTogglePlayback:  st == Playing || st == Loaded,
		CanLoad:            st == Idle || st == Loaded,
		CanUnload:          st == Loaded,
		Playback:           playback,
		Keymap:             km,
	}
}
