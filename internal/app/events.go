// Package app hosts the supervisor in a system tray.
package app

import (
	"path/filepath"
	"strings"

	"go.aimuz.me/macro/supervisor"
)

// Event names emitted on the Wails event bus.
const (
	EventState             = "macro-state"
	EventError             = "macro-error"
	EventAccessibilityPerm = "accessibility-permission"
)

// StateEvent is the payload of EventState.
type StateEvent struct {
	State  string `json:"state"`
	Loaded string `json:"loaded,omitempty"`

	CanToggleRecording bool `json:"canToggleRecording"`
	CanTogglePlayback  bool `json:"canTogglePlayback"`
	CanLoad            bool `json:"canLoad"`
	CanUnload          bool `json:"canUnload"`

	Speed                 float64 `json:"speed"`
	RepeatCount           int     `json:"repeatCount"`
	RepeatIntervalSeconds float64 `json:"repeatIntervalSeconds"`

	RecordHotkey string `json:"recordHotkey"`
	PlayHotkey   string `json:"playHotkey"`
}

// ErrorEvent is the payload of EventError.
type ErrorEvent struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

func newStateEvent(v supervisor.View) StateEvent {
	return StateEvent{
		State:                 v.State.String(),
		Loaded:                v.Loaded,
		CanToggleRecording:    v.CanToggleRecording,
		CanTogglePlayback:     v.CanTogglePlayback,
		CanLoad:               v.CanLoad,
		CanUnload:             v.CanUnload,
		Speed:                 v.Playback.Speed,
		RepeatCount:           v.Playback.RepeatCount,
		RepeatIntervalSeconds: v.Playback.RepeatInterval.Seconds(),
		RecordHotkey:          v.Keymap.StartRecording.String(),
		PlayHotkey:            v.Keymap.StartPlayback.String(),
	}
}

// recordingName is the file name of path without its extension.
func recordingName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
