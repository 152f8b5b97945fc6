// Package event defines the recorded input event model.
//
// An Event is one keyboard or pointer action paired with the delay since the
// previous event of its Sequence. A Sequence is the timeline of a recording:
// replaying it honours the delays relative to each other, never absolute
// wall-clock times.
package event

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Kind discriminates the payload of an Event.
type Kind uint8

const (
	KindKeyPress Kind = iota + 1
	KindKeyRelease
	KindButtonPress
	KindButtonRelease
	KindMouseMove
	KindWheel
)

var kindNames = map[Kind]string{
	KindKeyPress:      "key_press",
	KindKeyRelease:    "key_release",
	KindButtonPress:   "button_press",
	KindButtonRelease: "button_release",
	KindMouseMove:     "mouse_move",
	KindWheel:         "wheel",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func kindFromName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Key is a key name shared by the capture hook and the injector, e.g. "a",
// "enter", "lshift". Keys without a name are stored as "#<rawcode>".
type Key string

// Button is a pointer button name.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonCenter Button = "center"
)

// Event is one captured input action and its inter-event delay.
// Only the fields belonging to Kind are meaningful.
type Event struct {
	Kind   Kind
	Key    Key
	Button Button
	X, Y   float64
	DeltaX int64
	DeltaY int64

	// DelayMS is the time since the previous event of the sequence.
	DelayMS uint64
}

func KeyPress(k Key) Event       { return Event{Kind: KindKeyPress, Key: k} }
func KeyRelease(k Key) Event     { return Event{Kind: KindKeyRelease, Key: k} }
func ButtonPress(b Button) Event { return Event{Kind: KindButtonPress, Button: b} }
func ButtonRelease(b Button) Event {
	return Event{Kind: KindButtonRelease, Button: b}
}
func MouseMove(x, y float64) Event { return Event{Kind: KindMouseMove, X: x, Y: y} }
func Wheel(dx, dy int64) Event     { return Event{Kind: KindWheel, DeltaX: dx, DeltaY: dy} }

// WithDelay returns a copy of e carrying the given delay.
func (e Event) WithDelay(ms uint64) Event {
	e.DelayMS = ms
	return e
}

// Delay returns DelayMS as a duration.
func (e Event) Delay() time.Duration {
	return time.Duration(e.DelayMS) * time.Millisecond
}

// IsKey reports whether e is a key press or release.
func (e Event) IsKey() bool {
	return e.Kind == KindKeyPress || e.Kind == KindKeyRelease
}

// Validate checks that the payload required by Kind is present.
func (e Event) Validate() error {
	switch e.Kind {
	case KindKeyPress, KindKeyRelease:
		if e.Key == "" {
			return fmt.Errorf("%s: missing key", e.Kind)
		}
	case KindButtonPress, KindButtonRelease:
		if e.Button == "" {
			return fmt.Errorf("%s: missing button", e.Kind)
		}
	case KindMouseMove:
		if !finite(e.X) || !finite(e.Y) {
			return fmt.Errorf("%s: non-finite coordinates", e.Kind)
		}
	case KindWheel:
	default:
		return fmt.Errorf("unknown event kind %d", uint8(e.Kind))
	}
	return nil
}

func (e Event) String() string {
	var payload string
	switch e.Kind {
	case KindKeyPress, KindKeyRelease:
		payload = string(e.Key)
	case KindButtonPress, KindButtonRelease:
		payload = string(e.Button)
	case KindMouseMove:
		payload = fmt.Sprintf("%g,%g", e.X, e.Y)
	case KindWheel:
		payload = fmt.Sprintf("%d,%d", e.DeltaX, e.DeltaY)
	}
	return fmt.Sprintf("%s(%s)+%dms", e.Kind, payload, e.DelayMS)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Sequence is an ordered recording. Insertion order is the timeline.
type Sequence []Event

// Duration is the sum of all delays, i.e. the length of one pass at speed 1.
func (s Sequence) Duration() time.Duration {
	var total time.Duration
	for _, e := range s {
		total += e.Delay()
	}
	return total
}

// Clone returns an independent copy of s.
func (s Sequence) Clone() Sequence {
	if s == nil {
		return Sequence{}
	}
	return slices.Clone(s)
}
