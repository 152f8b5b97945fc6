package app

import (
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/wailsapp/wails/v3/pkg/application"

	"go.aimuz.me/macro/catalog"
	"go.aimuz.me/macro/supervisor"
)

//go:embed tray.png
var trayIcon []byte

const recentLimit = 10

var (
	speedChoices    = []float64{0.5, 1, 1.5, 2, 3, 5}
	repeatChoices   = []int{1, 2, 5, 10, 0}
	intervalChoices = []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second}
)

type menuChoice struct {
	Label   string
	Checked bool
}

type recentItem struct {
	Label   string
	Path    string
	Enabled bool
}

// menuState is everything the tray menu shows, derived from a View.
type menuState struct {
	Status string

	Record   string
	RecordOn bool
	Play     string
	PlayOn   bool
	LoadOn   bool
	UnloadOn bool

	Recent    []recentItem
	Speeds    []menuChoice
	Repeats   []menuChoice
	Intervals []menuChoice
}

func newMenuState(v supervisor.View, recent []catalog.Entry) menuState {
	m := menuState{
		RecordOn: v.CanToggleRecording,
		PlayOn:   v.CanTogglePlayback,
		LoadOn:   v.CanLoad,
		UnloadOn: v.CanUnload,
	}

	switch v.State {
	case supervisor.Recording:
		m.Status = "Recording…"
		m.Record = "Stop Recording (" + v.Keymap.StopRecording.String() + ")"
	default:
		m.Record = "Start Recording (" + v.Keymap.StartRecording.String() + ")"
	}
	switch v.State {
	case supervisor.Playing:
		m.Status = "Playing " + recordingName(v.Loaded)
		m.Play = "Stop Playback (" + v.Keymap.StopPlayback.String() + ")"
	default:
		m.Play = "Play (" + v.Keymap.StartPlayback.String() + ")"
	}
	switch v.State {
	case supervisor.Idle:
		m.Status = "No recording loaded"
	case supervisor.Loaded:
		m.Status = "Loaded: " + recordingName(v.Loaded)
	}

	for _, e := range recent {
		m.Recent = append(m.Recent, recentItem{
			Label:   fmt.Sprintf("%s (%d events, %s)", e.Name, e.Events, e.Duration().Round(100*time.Millisecond)),
			Path:    e.Path,
			Enabled: v.CanLoad,
		})
	}
	for _, sp := range speedChoices {
		m.Speeds = append(m.Speeds, menuChoice{
			Label:   strconv.FormatFloat(sp, 'g', -1, 64) + "×",
			Checked: sp == v.Playback.Speed,
		})
	}
	for _, n := range repeatChoices {
		label := strconv.Itoa(n) + "×"
		if n == 0 {
			label = "Until stopped"
		}
		m.Repeats = append(m.Repeats, menuChoice{Label: label, Checked: n == v.Playback.RepeatCount})
	}
	for _, d := range intervalChoices {
		label := d.String()
		if d == 0 {
			label = "None"
		}
		m.Intervals = append(m.Intervals, menuChoice{Label: label, Checked: d == v.Playback.RepeatInterval})
	}
	return m
}

// refreshMenu rebuilds the tray menu for v.
func (s *Service) refreshMenu(v supervisor.View) {
	if s.app == nil || s.tray == nil {
		return
	}
	var recent []catalog.Entry
	if s.catalog != nil {
		entries, err := s.catalog.Recent(recentLimit)
		if err != nil {
			s.logger.Warn("list recent recordings", "error", err)
		}
		recent = entries
	}
	menu := s.buildMenu(newMenuState(v, recent))
	application.InvokeAsync(func() {
		s.tray.SetMenu(menu)
	})
}

func (s *Service) buildMenu(m menuState) *application.Menu {
	menu := s.app.NewMenu()
	menu.Add(m.Status).SetEnabled(false)
	menu.AddSeparator()

	menu.Add(m.Record).SetEnabled(m.RecordOn).OnClick(func(*application.Context) {
		s.async("toggle recording", s.ToggleRecording)
	})
	menu.Add(m.Play).SetEnabled(m.PlayOn).OnClick(func(*application.Context) {
		s.async("toggle playback", s.TogglePlayback)
	})
	menu.AddSeparator()

	menu.Add("Load…").SetEnabled(m.LoadOn).OnClick(func(*application.Context) {
		s.async("load recording", s.ChooseRecording)
	})
	recent := menu.AddSubmenu("Recent")
	if len(m.Recent) == 0 {
		recent.Add("No recordings").SetEnabled(false)
	}
	for _, r := range m.Recent {
		path := r.Path
		recent.Add(r.Label).SetEnabled(r.Enabled).OnClick(func(*application.Context) {
			s.async("load recording", func() error { return s.LoadRecording(path) })
		})
	}
	menu.Add("Unload").SetEnabled(m.UnloadOn).OnClick(func(*application.Context) {
		s.async("unload recording", s.UnloadRecording)
	})
	menu.AddSeparator()

	speed := menu.AddSubmenu("Speed")
	for i, c := range m.Speeds {
		v := speedChoices[i]
		speed.AddRadio(c.Label, c.Checked).OnClick(func(*application.Context) {
			s.report("set speed", s.SetSpeed(v))
		})
	}
	repeat := menu.AddSubmenu("Repeat")
	for i, c := range m.Repeats {
		n := repeatChoices[i]
		repeat.AddRadio(c.Label, c.Checked).OnClick(func(*application.Context) {
			s.report("set repeat count", s.SetRepeatCount(n))
		})
	}
	interval := menu.AddSubmenu("Repeat Interval")
	for i, c := range m.Intervals {
		d := intervalChoices[i]
		interval.AddRadio(c.Label, c.Checked).OnClick(func(*application.Context) {
			s.report("set repeat interval", s.SetRepeatInterval(d.Seconds()))
		})
	}
	menu.AddSeparator()

	menu.Add("Quit").SetAccelerator("CmdOrCtrl+Q").OnClick(func(*application.Context) {
		s.app.Quit()
	})
	return menu
}
