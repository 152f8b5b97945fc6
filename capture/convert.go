package capture

import (
	"strconv"

	hook "github.com/robotn/gohook"

	"go.aimuz.me/macro/event"
)

// libuiohook wheel directions.
const (
	wheelVertical   = 3
	wheelHorizontal = 4
)

var buttonNames = map[uint16]event.Button{
	1: event.ButtonLeft,
	2: event.ButtonRight,
	3: event.ButtonCenter,
}

// convert maps a raw hook event to an Event. It reports false for events
// that carry nothing to record: hook lifecycle notifications, synthesized
// "typed" and "clicked" follow-ups, and unmapped buttons.
func convert(ev hook.Event, keyName func(rawcode uint16) string) (event.Event, bool) {
	switch ev.Kind {
	case hook.KeyHold:
		return event.KeyPress(key(ev.Rawcode, keyName)), true
	case hook.KeyUp:
		return event.KeyRelease(key(ev.Rawcode, keyName)), true
	case hook.MouseHold:
		b, ok := buttonNames[ev.Button]
		if !ok {
			return event.Event{}, false
		}
		return event.ButtonPress(b), true
	case hook.MouseUp:
		b, ok := buttonNames[ev.Button]
		if !ok {
			return event.Event{}, false
		}
		return event.ButtonRelease(b), true
	case hook.MouseMove, hook.MouseDrag:
		return event.MouseMove(float64(ev.X), float64(ev.Y)), true
	case hook.MouseWheel:
		return wheel(ev)
	}
	return event.Event{}, false
}

func key(rawcode uint16, keyName func(uint16) string) event.Key {
	if name := keyName(rawcode); name != "" {
		return event.Key(name)
	}
	return event.Key("#" + strconv.Itoa(int(rawcode)))
}

// wheel normalises scrolling so that positive DeltaY scrolls up and
// positive DeltaX scrolls right.
func wheel(ev hook.Event) (event.Event, bool) {
	if ev.Rotation == 0 {
		return event.Event{}, false
	}
	steps := int64(ev.Rotation)
	switch ev.Direction {
	case wheelHorizontal:
		return event.Wheel(steps, 0), true
	default:
		return event.Wheel(0, -steps), true
	}
}
