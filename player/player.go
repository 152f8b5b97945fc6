// Package player replays a recorded Sequence through an injector.
package player

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.aimuz.me/macro/event"
	"go.aimuz.me/macro/inject"
)

// PollInterval bounds how long a pending cancel can go unnoticed while the
// player is waiting.
const PollInterval = 50 * time.Millisecond

var (
	// ErrInvalidSpeed is returned for a speed that is not a positive finite number.
	ErrInvalidSpeed = errors.New("invalid playback speed")
	// ErrInvalidRepeat is returned for a negative repeat count or interval.
	ErrInvalidRepeat = errors.New("invalid repeat setting")
)

// Options controls one playback run.
type Options struct {
	// Speed multiplies playback rate; 2 plays twice as fast.
	Speed float64
	// RepeatCount is the number of passes; 0 repeats until cancelled.
	RepeatCount int
	// RepeatInterval is the pause between passes.
	RepeatInterval time.Duration
}

// DefaultOptions plays once at recorded speed.
func DefaultOptions() Options {
	return Options{Speed: 1, RepeatCount: 1}
}

// Validate checks o.
func (o Options) Validate() error {
	if o.Speed <= 0 || math.IsNaN(o.Speed) || math.IsInf(o.Speed, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, o.Speed)
	}
	if o.RepeatCount < 0 {
		return fmt.Errorf("%w: repeat count %d", ErrInvalidRepeat, o.RepeatCount)
	}
	if o.RepeatInterval < 0 {
		return fmt.Errorf("%w: repeat interval %v", ErrInvalidRepeat, o.RepeatInterval)
	}
	return nil
}

// Result reports what a run did.
type Result struct {
	Passes    int // completed passes
	Emitted   int
	Failed    int
	Cancelled bool
}

// Player replays sequences.
type Player struct {
	injector inject.Injector
	logger   *slog.Logger
}

// New returns a Player emitting through inj. A nil logger uses slog.Default.
func New(inj inject.Injector, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{injector: inj, logger: logger}
}

// ScaledDelay is the wait before emitting ev at the given speed, truncated
// to whole milliseconds.
func ScaledDelay(ev event.Event, speed float64) time.Duration {
	ms := math.Trunc(float64(ev.DelayMS) / speed)
	if ms >= float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// Play replays seq according to opts until done or until cancel is set.
// cancel is only read; it may be nil. Emission failures are logged and
// counted, never fatal.
func (p *Player) Play(seq event.Sequence, opts Options, cancel *atomic.Bool) (Result, error) {
	var res Result
	if err := opts.Validate(); err != nil {
		return res, err
	}
	if cancel == nil {
		cancel = new(atomic.Bool)
	}
	if len(seq) == 0 {
		p.logger.Warn("nothing to play: empty recording")
		return res, nil
	}

	p.logger.Info("playback started",
		"events", len(seq),
		"speed", opts.Speed,
		"repeat_count", opts.RepeatCount,
		"repeat_interval", opts.RepeatInterval,
	)

	for pass := 0; opts.RepeatCount == 0 || pass < opts.RepeatCount; pass++ {
		if pass > 0 && opts.RepeatInterval > 0 {
			if !waitUntil(time.Now().Add(opts.RepeatInterval), cancel) {
				res.Cancelled = true
				break
			}
		}
		if !p.pass(seq, opts.Speed, cancel, &res) {
			res.Cancelled = true
			break
		}
		res.Passes++
	}

	p.logger.Info("playback finished",
		"passes", res.Passes,
		"emitted", res.Emitted,
		"failed", res.Failed,
		"cancelled", res.Cancelled,
	)
	return res, nil
}

// pass emits one run of seq. Waits are scheduled against a running
// deadline so emission time does not accumulate as drift.
func (p *Player) pass(seq event.Sequence, speed float64, cancel *atomic.Bool, res *Result) bool {
	deadline := time.Now()
	for _, ev := range seq {
		deadline = deadline.Add(ScaledDelay(ev, speed))
		if !waitUntil(deadline, cancel) {
			return false
		}
		if cancel.Load() {
			return false
		}
		if err := p.injector.Emit(ev); err != nil {
			res.Failed++
			p.logger.Warn("emit event", "event", ev, "error", err)
			continue
		}
		res.Emitted++
	}
	return true
}

// waitUntil sleeps until deadline in slices of at most PollInterval and
// reports false as soon as cancel is observed.
func waitUntil(deadline time.Time, cancel *atomic.Bool) bool {
	for {
		if cancel.Load() {
			return false
		}
		d := time.Until(deadline)
		if d <= 0 {
			return true
		}
		time.Sleep(min(d, PollInterval))
	}
}
