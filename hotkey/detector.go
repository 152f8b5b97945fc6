package hotkey

import "go.aimuz.me/macro/event"

// Detector turns trigger presses into single hotkey firings.
//
// Each distinct Combo owns one latch: a satisfied trigger press fires and
// latches it, further presses of the trigger are swallowed until the
// trigger is released. Two bindings using the same Combo share the latch,
// so a toggle hotkey cannot start and stop on one physical press.
//
// Detector is not safe for concurrent use.
type Detector struct {
	tracker Tracker
	latched map[Combo]bool
}

// NewDetector returns a detector with all modifiers up and no latches set.
func NewDetector() *Detector {
	return &Detector{latched: make(map[Combo]bool)}
}

// Observe feeds ev into the modifier tracker and re-arms latches whose
// trigger is released. It reports whether ev released a latched trigger,
// i.e. whether ev is the tail of a hotkey gesture.
func (d *Detector) Observe(ev event.Event) bool {
	d.tracker.Observe(ev)
	if ev.Kind != event.KindKeyRelease {
		return false
	}

	key := NormalizeKey(string(ev.Key))
	released := false
	for c, on := range d.latched {
		if on && c.Trigger == key {
			delete(d.latched, c)
			released = true
		}
	}
	return released
}

// Fired reports whether ev is the press that fires c. It must be called
// after Observe for the same event.
func (d *Detector) Fired(ev event.Event, c Combo) bool {
	if c.IsZero() || ev.Kind != event.KindKeyPress {
		return false
	}
	if NormalizeKey(string(ev.Key)) != c.Trigger || !d.tracker.Matches(c) {
		return false
	}
	if d.latched[c] {
		return false
	}
	d.latched[c] = true
	return true
}

// Repeat reports whether ev is a re-delivered press of a latched trigger.
func (d *Detector) Repeat(ev event.Event) bool {
	if ev.Kind != event.KindKeyPress {
		return false
	}
	key := NormalizeKey(string(ev.Key))
	for c, on := range d.latched {
		if on && c.Trigger == key {
			return true
		}
	}
	return false
}

// Modifiers returns the current modifier state.
func (d *Detector) Modifiers() ModifierState {
	return d.tracker.State()
}
