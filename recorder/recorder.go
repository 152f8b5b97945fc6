// Package recorder turns a live input stream into a persisted Sequence.
//
// A Recorder starts Idle, is either armed to wait for the start hotkey or
// started immediately, and stops on the stop hotkey or on Stop. The captured
// sequence is always written out on stop, even when empty.
package recorder

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.aimuz.me/macro/capture"
	"go.aimuz.me/macro/event"
	"go.aimuz.me/macro/hotkey"
)

// State is the recorder lifecycle state.
type State uint8

const (
	Idle State = iota
	Armed
	Recording
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// PersistPolicy selects when the sequence is written to disk.
type PersistPolicy uint8

const (
	// PersistOnStop writes once, when recording stops.
	PersistOnStop PersistPolicy = iota
	// PersistEveryEvent rewrites the whole file after captured events. The
	// writes run on a background goroutine that only keeps the latest
	// snapshot, so a burst of events costs one rewrite.
	PersistEveryEvent
)

func (p PersistPolicy) String() string {
	if p == PersistEveryEvent {
		return "every-event"
	}
	return "on-stop"
}

// ParsePersistPolicy accepts "on-stop" and "every-event". An empty string
// selects PersistOnStop.
func ParsePersistPolicy(s string) (PersistPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "on-stop", "on_stop":
		return PersistOnStop, nil
	case "every-event", "every_event":
		return PersistEveryEvent, nil
	}
	return 0, fmt.Errorf("unknown persist policy %q", s)
}

// Options configures a Recorder.
type Options struct {
	// Path is the destination recording file.
	Path    string
	Keymap  hotkey.Keymap
	Persist PersistPolicy
	Logger  *slog.Logger

	// OnPersistError is called for every failed write. Capture continues
	// in memory after a failure.
	OnPersistError func(error)

	// Now is the clock used when recording starts without a triggering
	// input. Defaults to time.Now.
	Now func() time.Time
}

// Summary describes a finished recording.
type Summary struct {
	Path   string
	Events int
	// Empty is set when nothing was captured, which usually means the
	// process lacks input-monitoring permission.
	Empty bool
}

// Recorder accumulates events between the start and stop hotkeys.
type Recorder struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	detector *hotkey.Detector
	events   event.Sequence
	last     time.Time
	gen      uint64

	// writeMu orders writes so an older snapshot never replaces a newer one.
	writeMu sync.Mutex
	written uint64

	// wake schedules a background write; nil until the first one.
	wake       chan struct{}
	writerDone chan struct{}

	finished chan struct{}
	summary  Summary
	err      error
}

// New returns an Idle recorder.
func New(opts Options) *Recorder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OnPersistError == nil {
		opts.OnPersistError = func(err error) {
			logger.Error("persist recording", "path", opts.Path, "error", err)
		}
	}
	return &Recorder{
		opts:     opts,
		logger:   logger,
		detector: hotkey.NewDetector(),
		finished: make(chan struct{}),
	}
}

// Arm makes the recorder wait for the start hotkey.
func (r *Recorder) Arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Idle {
		r.state = Armed
		r.logger.Info("waiting for start hotkey", "hotkey", r.opts.Keymap.StartRecording)
	}
}

// StartNow begins recording without waiting for a hotkey.
func (r *Recorder) StartNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Idle || r.state == Armed {
		r.beginLocked(r.opts.Now())
	}
}

func (r *Recorder) beginLocked(at time.Time) {
	r.state = Recording
	r.events = event.Sequence{}
	r.last = at
	r.gen++
	r.logger.Info("recording started", "path", r.opts.Path, "stop", r.opts.Keymap.StopRecording)
}

// Handle processes one captured input. It must be called from a single
// goroutine in capture order.
func (r *Recorder) Handle(in capture.Input) {
	ev := in.Event

	r.mu.Lock()
	released := r.detector.Observe(ev)
	switch r.state {
	case Armed:
		if r.detector.Fired(ev, r.opts.Keymap.StartRecording) {
			r.beginLocked(in.When)
		}
		r.mu.Unlock()
		return
	case Recording:
	default:
		r.mu.Unlock()
		return
	}

	if r.detector.Fired(ev, r.opts.Keymap.StopRecording) {
		r.trimStopModifiersLocked()
		r.mu.Unlock()
		r.finish()
		return
	}
	if released || r.detector.Repeat(ev) {
		r.mu.Unlock()
		return
	}

	delay := in.When.Sub(r.last)
	if delay < 0 {
		delay = 0
	}
	r.events = append(r.events, ev.WithDelay(uint64(delay/time.Millisecond)))
	r.last = in.When
	r.gen++

	if r.opts.Persist != PersistEveryEvent {
		r.mu.Unlock()
		return
	}
	r.kickWriterLocked()
	r.mu.Unlock()
}

// kickWriterLocked asks the writer goroutine to persist the current events,
// starting it on first use. A pending request already covers new events.
func (r *Recorder) kickWriterLocked() {
	if r.wake == nil {
		r.wake = make(chan struct{}, 1)
		r.writerDone = make(chan struct{})
		go r.writeLoop(r.wake, r.writerDone)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) writeLoop(wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for range wake {
		r.mu.Lock()
		snapshot, gen := r.events.Clone(), r.gen
		r.mu.Unlock()
		_ = r.persist(snapshot, gen)
	}
}

// trimStopModifiersLocked drops the modifier presses that led up to the
// stop hotkey so replay does not leave them held down.
func (r *Recorder) trimStopModifiersLocked() {
	want := r.opts.Keymap.StopRecording.Modifiers
	n := len(r.events)
	for n > 0 {
		ev := r.events[n-1]
		if ev.Kind != event.KindKeyPress {
			break
		}
		mod := hotkey.ModifierOf(ev.Key)
		if mod == hotkey.ModNone || !want.Has(mod) {
			break
		}
		n--
	}
	if n != len(r.events) {
		r.events = r.events[:n]
		r.gen++
	}
}

// Stop ends the recording and persists it. It is safe to call more than
// once and from any goroutine; later calls return the first result.
func (r *Recorder) Stop() (Summary, error) {
	r.finish()
	<-r.finished
	return r.summary, r.err
}

// Done is closed once the recording has stopped and been persisted.
func (r *Recorder) Done() <-chan struct{} {
	return r.finished
}

func (r *Recorder) finish() {
	r.mu.Lock()
	if r.state == Stopped {
		r.mu.Unlock()
		return
	}
	r.state = Stopped
	r.gen++
	snapshot, gen := r.events.Clone(), r.gen
	writerDone := r.writerDone
	if r.wake != nil {
		close(r.wake)
	}
	r.mu.Unlock()

	if writerDone != nil {
		<-writerDone
	}
	err := r.persist(snapshot, gen)

	r.summary = Summary{Path: r.opts.Path, Events: len(snapshot), Empty: len(snapshot) == 0}
	if err != nil {
		r.err = fmt.Errorf("save recording: %w", err)
	}
	if r.summary.Empty {
		r.logger.Warn("recording captured no events; check input monitoring permission", "path", r.opts.Path)
	} else {
		r.logger.Info("recording stopped", "path", r.opts.Path, "events", len(snapshot), "duration", snapshot.Duration())
	}
	close(r.finished)
}

func (r *Recorder) persist(seq event.Sequence, gen uint64) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if gen <= r.written {
		return nil
	}
	if err := event.WriteFile(r.opts.Path, seq); err != nil {
		r.opts.OnPersistError(err)
		return err
	}
	r.written = gen
	return nil
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Events returns a copy of the events captured so far.
func (r *Recorder) Events() event.Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events.Clone()
}
