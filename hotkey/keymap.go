package hotkey

import "fmt"

// Keymap binds the four control actions to combos.
type Keymap struct {
	StartRecording Combo
	StopRecording  Combo
	StartPlayback  Combo
	StopPlayback   Combo
}

// DefaultKeymap toggles recording with Cmd+Shift+1 and playback with
// Cmd+Shift+2.
func DefaultKeymap() Keymap {
	record := MustParseCombo("cmd+shift+1")
	play := MustParseCombo("cmd+shift+2")
	return Keymap{
		StartRecording: record,
		StopRecording:  record,
		StartPlayback:  play,
		StopPlayback:   play,
	}
}

// KeymapSpec is the textual form of a Keymap used by config and worker flags.
type KeymapSpec struct {
	StartRecording string `mapstructure:"start_recording" yaml:"start_recording" json:"start_recording"`
	StopRecording  string `mapstructure:"stop_recording" yaml:"stop_recording" json:"stop_recording"`
	StartPlayback  string `mapstructure:"start_playback" yaml:"start_playback" json:"start_playback"`
	StopPlayback   string `mapstructure:"stop_playback" yaml:"stop_playback" json:"stop_playback"`
}

// Parse resolves every spec; empty entries fall back to DefaultKeymap.
func (s KeymapSpec) Parse() (Keymap, error) {
	km := DefaultKeymap()
	fields := []struct {
		name string
		spec string
		dst  *Combo
	}{
		{"start_recording", s.StartRecording, &km.StartRecording},
		{"stop_recording", s.StopRecording, &km.StopRecording},
		{"start_playback", s.StartPlayback, &km.StartPlayback},
		{"stop_playback", s.StopPlayback, &km.StopPlayback},
	}
	for _, f := range fields {
		if f.spec == "" {
			continue
		}
		c, err := ParseCombo(f.spec)
		if err != nil {
			return Keymap{}, fmt.Errorf("keymap %s: %w", f.name, err)
		}
		*f.dst = c
	}
	return km, nil
}

// Spec returns the textual form of km.
func (km Keymap) Spec() KeymapSpec {
	return KeymapSpec{
		StartRecording: km.StartRecording.Spec(),
		StopRecording:  km.StopRecording.Spec(),
		StartPlayback:  km.StartPlayback.Spec(),
		StopPlayback:   km.StopPlayback.Spec(),
	}
}

// Args renders km as worker command-line flags.
func (km Keymap) Args() []string {
	s := km.Spec()
	return []string{
		"--start-recording-key", s.StartRecording,
		"--stop-recording-key", s.StopRecording,
		"--start-playback-key", s.StartPlayback,
		"--stop-playback-key", s.StopPlayback,
	}
}
