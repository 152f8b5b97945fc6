// Package inject synthesizes keyboard and pointer events at the OS level.
package inject

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-vgo/robotgo"

	"go.aimuz.me/macro/event"
)

// ErrEmit is returned when an event cannot be synthesized.
var ErrEmit = errors.New("emit event")

// Injector emits one event. Implementations must be safe for use by a
// single playback goroutine; they need not be concurrency-safe.
type Injector interface {
	Emit(ev event.Event) error
}

// Robot injects events with robotgo.
type Robot struct{}

// NewRobot returns an Injector backed by robotgo.
func NewRobot() *Robot {
	return &Robot{}
}

func (r *Robot) Emit(ev event.Event) error {
	var err error
	switch ev.Kind {
	case event.KindKeyPress, event.KindKeyRelease:
		err = r.key(ev)
	case event.KindButtonPress:
		err = robotgo.Toggle(string(ev.Button), "down")
	case event.KindButtonRelease:
		err = robotgo.Toggle(string(ev.Button), "up")
	case event.KindMouseMove:
		robotgo.Move(int(math.Round(ev.X)), int(math.Round(ev.Y)))
	case event.KindWheel:
		robotgo.Scroll(int(ev.DeltaX), int(ev.DeltaY))
	default:
		err = fmt.Errorf("unknown kind %d", uint8(ev.Kind))
	}
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrEmit, ev, err)
	}
	return nil
}

func (r *Robot) key(ev event.Event) error {
	name := string(ev.Key)
	if strings.HasPrefix(name, "#") {
		return errors.New("key has no injectable name")
	}
	state := "down"
	if ev.Kind == event.KindKeyRelease {
		state = "up"
	}
	return robotgo.KeyToggle(name, state)
}

// Func adapts an ordinary function to Injector.
type Func func(ev event.Event) error

func (f Func) Emit(ev event.Event) error { return f(ev) }
