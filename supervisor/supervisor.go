// Package supervisor owns the record/play lifecycle of the tray host.
//
// The Supervisor never records or plays in-process. It spawns one worker
// process per session, stops it with signals, and hands recordings over
// through files. At most one worker is live at a time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.aimuz.me/macro/capture"
	"go.aimuz.me/macro/catalog"
	"go.aimuz.me/macro/event"
	"go.aimuz.me/macro/hotkey"
	"go.aimuz.me/macro/internal/fsutil"
	"go.aimuz.me/macro/player"
	"go.aimuz.me/macro/recorder"
)

var (
	// ErrConflict is returned when an operation would overlap a running
	// recording or playback. No state changes.
	ErrConflict = errors.New("operation conflicts with active worker")
	// ErrSpawn is returned when a worker process cannot be started. The
	// supervisor state is left as it was before the attempt.
	ErrSpawn = errors.New("spawn worker")
	// ErrWorkerFailed is reported when a worker exits on its own with a
	// non-zero code.
	ErrWorkerFailed = errors.New("worker failed")
)

// ExitCodeHookUnavailable is the exit code of a worker that could not
// install the global input hook, usually for lack of permission.
const ExitCodeHookUnavailable = 3

const (
	DefaultStopTimeout = time.Second
	stopPollInterval   = 50 * time.Millisecond

	MinSpeed = 0.1
	MaxSpeed = 5.0
)

// Catalog records saved recordings.
type Catalog interface {
	Add(path string, seq event.Sequence) (catalog.Entry, error)
}

// Options configures a Supervisor.
type Options struct {
	Spawner  Spawner
	Prompter Prompter
	// Catalog is optional.
	Catalog Catalog

	Keymap   hotkey.Keymap
	Playback player.Options
	Persist  recorder.PersistPolicy

	// RecordingsDir is where the save prompt starts.
	RecordingsDir string
	// TempDir holds in-progress recordings; empty means os.TempDir.
	TempDir string

	StopTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time

	// OnChange is called with the new view after every state change, with
	// no lock held.
	OnChange func(View)
	// OnError receives failures no caller sees: workers that exit on their
	// own with an error and failed hotkey actions. Without it they are
	// only logged.
	OnError func(op string, err error)
}

type recordingWorker struct {
	worker    Worker
	path      string
	finishing bool
}

// Supervisor coordinates recording and playback workers.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	// opMu serialises public operations; it is held across spawns, waits
	// and prompts. mu guards the fields below and is never held across
	// a blocking call.
	opMu sync.Mutex

	mu        sync.Mutex
	recording *recordingWorker
	playing   Worker
	loaded    string
	playback  player.Options
	keymap    hotkey.Keymap

	inputMu  sync.Mutex
	detector *hotkey.Detector
}

// New returns an idle Supervisor.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Playback == (player.Options{}) {
		opts.Playback = player.DefaultOptions()
	}
	if opts.Keymap == (hotkey.Keymap{}) {
		opts.Keymap = hotkey.DefaultKeymap()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:     opts,
		logger:   logger,
		playback: opts.Playback,
		keymap:   opts.Keymap,
		detector: hotkey.NewDetector(),
	}
}

// View returns the current state and permitted actions.
func (s *Supervisor) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Supervisor) viewLocked() View {
	st := deriveState(s.recording != nil, s.playing != nil, s.loaded)
	return newView(st, s.loaded, s.playback, s.keymap)
}

func (s *Supervisor) notify() {
	if s.opts.OnChange == nil {
		return
	}
	s.opts.OnChange(s.View())
}

// fail hands err to OnError, or logs it. No lock may be held.
func (s *Supervisor) fail(op string, err error) {
	if err == nil {
		return
	}
	if s.opts.OnError == nil {
		s.logger.Error(op, "error", err)
		return
	}
	s.opts.OnError(op, err)
}

// exitError maps the exit code of a worker to the failure it stands for.
func exitError(kind Kind, code int) error {
	switch code {
	case 0:
		return nil
	case ExitCodeHookUnavailable:
		return fmt.Errorf("%s worker: %w", kind, capture.ErrHookUnavailable)
	default:
		return fmt.Errorf("%w: %s exited with code %d", ErrWorkerFailed, kind, code)
	}
}

// reapLocked clears a playback handle whose process already exited and
// returns the failure of a non-zero exit.
func (s *Supervisor) reapLocked() (bool, error) {
	if s.playing == nil || !exited(s.playing) {
		return false, nil
	}
	code := s.playing.ExitCode()
	s.playing = nil
	s.logger.Info("playback finished", "code", code)
	return true, exitError(KindPlay, code)
}

// ToggleRecording starts a recording when none is active and stops the
// active one otherwise.
func (s *Supervisor) ToggleRecording(ctx context.Context) error {
	s.mu.Lock()
	active := s.recording != nil
	s.mu.Unlock()
	if active {
		return s.StopRecording(ctx)
	}
	return s.StartRecording(ctx)
}

// StartRecording spawns an immediate-mode recording worker writing to a
// fresh temporary file. It is a no-op while recording.
func (s *Supervisor) StartRecording(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	_, failed := s.reapLocked()
	playing, recording := s.playing != nil, s.recording != nil
	km := s.keymap
	s.mu.Unlock()

	s.fail("playback", failed)
	if playing {
		return fmt.Errorf("start recording: %w", ErrConflict)
	}
	if recording {
		return nil
	}

	path := s.tempPath()
	args := append([]string{
		"record", path,
		"--immediate",
		"--persist", s.opts.Persist.String(),
	}, km.Args()...)

	w, err := s.opts.Spawner.Spawn(ctx, KindRecord, args)
	if err != nil {
		s.notify()
		return fmt.Errorf("%w: record: %w", ErrSpawn, err)
	}

	s.mu.Lock()
	s.recording = &recordingWorker{worker: w, path: path}
	s.loaded = ""
	s.mu.Unlock()

	s.logger.Info("recording started", "path", path, "pid", w.PID())
	s.notify()
	return nil
}

// StopRecording stops the recording worker, then offers the result for
// saving. Declined recordings are deleted. It is a no-op when not recording.
func (s *Supervisor) StopRecording(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	rec := s.recording
	s.mu.Unlock()
	if rec == nil {
		return nil
	}

	s.stopWorker(ctx, rec.worker)

	s.mu.Lock()
	s.recording = nil
	s.mu.Unlock()
	s.notify()

	return s.collectRecording(ctx, rec)
}

// finishRecording saves the output of rec, a recording worker that exited
// on its own. It is a no-op once rec is no longer the active recording.
func (s *Supervisor) finishRecording(ctx context.Context, rec *recordingWorker) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.recording != rec {
		s.mu.Unlock()
		return
	}
	s.recording = nil
	s.mu.Unlock()
	s.notify()

	s.fail("finish recording", s.collectRecording(ctx, rec))
}

// collectRecording saves what an exited recording worker wrote. A worker
// that failed without writing anything returns its exit failure.
func (s *Supervisor) collectRecording(ctx context.Context, rec *recordingWorker) error {
	if err := exitError(KindRecord, rec.worker.ExitCode()); err != nil {
		if _, statErr := os.Stat(rec.path); statErr != nil {
			_ = os.Remove(rec.path)
			return err
		}
		s.fail("recording", err)
	}
	return s.saveRecording(ctx, rec.path)
}

func (s *Supervisor) saveRecording(ctx context.Context, tmp string) error {
	seq, err := event.ReadFile(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("read recording: %w", err)
	}
	if len(seq) == 0 {
		s.logger.Warn("recording is empty; check input monitoring permission")
	}

	dest, err := s.opts.Prompter.SaveRecording(ctx, s.suggestedPath())
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("choose destination: %w", err)
	}
	if dest == "" {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("discard recording", "path", tmp, "error", err)
		}
		s.logger.Info("recording discarded")
		return nil
	}

	if err := fsutil.Move(tmp, dest); err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	s.logger.Info("recording saved", "path", dest, "events", len(seq))

	if s.opts.Catalog != nil {
		if _, err := s.opts.Catalog.Add(dest, seq); err != nil {
			s.logger.Warn("catalog recording", "path", dest, "error", err)
		}
	}

	s.mu.Lock()
	s.loaded = dest
	s.mu.Unlock()
	s.notify()
	return nil
}

// TogglePlayback stops the active playback or starts a new one from the
// loaded recording.
func (s *Supervisor) TogglePlayback(ctx context.Context) error {
	s.mu.Lock()
	_, failed := s.reapLocked()
	active := s.playing != nil
	s.mu.Unlock()

	s.fail("playback", failed)
	if active {
		return s.StopPlayback(ctx)
	}
	return s.StartPlayback(ctx)
}

// StartPlayback spawns an immediate-mode playback worker for the loaded
// recording with the current playback settings. Without a loaded
// recording it only logs a warning.
func (s *Supervisor) StartPlayback(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	_, failed := s.reapLocked()
	recording, playing := s.recording != nil, s.playing != nil
	path, opts, km := s.loaded, s.playback, s.keymap
	s.mu.Unlock()

	s.fail("playback", failed)
	if recording {
		return fmt.Errorf("start playback: %w", ErrConflict)
	}
	if playing {
		return nil
	}
	if path == "" {
		s.logger.Warn("no recording loaded")
		return nil
	}

	args := append([]string{
		"play", path,
		"--speed", strconv.FormatFloat(opts.Speed, 'g', -1, 64),
		"--repeat-count", strconv.Itoa(opts.RepeatCount),
		"--repeat-interval", strconv.FormatFloat(opts.RepeatInterval.Seconds(), 'g', -1, 64),
		"--immediate",
	}, km.Args()...)

	w, err := s.opts.Spawner.Spawn(ctx, KindPlay, args)
	if err != nil {
		s.notify()
		return fmt.Errorf("%w: play: %w", ErrSpawn, err)
	}

	s.mu.Lock()
	s.playing = w
	s.mu.Unlock()

	s.logger.Info("playback started", "path", path, "pid", w.PID())
	s.notify()
	return nil
}

// StopPlayback stops the playback worker and waits for it to exit.
func (s *Supervisor) StopPlayback(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	w := s.playing
	s.mu.Unlock()
	if w == nil {
		return nil
	}

	s.stopWorker(ctx, w)

	s.mu.Lock()
	if s.playing == w {
		s.playing = nil
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// stopWorker interrupts w, waits up to StopTimeout for it to exit, then
// escalates to Terminate and waits for exit. Both signals let the worker
// persist its work. Only a cancelled ctx forces a kill.
func (s *Supervisor) stopWorker(ctx context.Context, w Worker) {
	if exited(w) {
		return
	}
	if err := w.Interrupt(); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Warn("interrupt worker", "pid", w.PID(), "error", err)
	}

	deadline := time.Now().Add(s.opts.StopTimeout)
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-w.Done():
			return
		case <-ticker.C:
		}
	}

	s.logger.Warn("worker did not stop in time, terminating", "pid", w.PID(), "timeout", s.opts.StopTimeout)
	if err := w.Terminate(); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Warn("terminate worker", "pid", w.PID(), "error", err)
	}
	select {
	case <-w.Done():
	case <-ctx.Done():
		s.logger.Error("gave up waiting for worker, killing", "pid", w.PID())
		_ = w.Kill()
		<-w.Done()
	}
}

// PollWorkerStatus reaps a playback worker that exited on its own and
// reports whether the state changed. A recording worker that exited on
// its own, e.g. after its stop hotkey, is finished in the background. It
// never blocks and is meant to be called from the host loop.
func (s *Supervisor) PollWorkerStatus() bool {
	s.mu.Lock()
	reaped, failed := s.reapLocked()
	var finish *recordingWorker
	if rec := s.recording; rec != nil && !rec.finishing && exited(rec.worker) {
		rec.finishing = true
		finish = rec
	}
	s.mu.Unlock()

	s.fail("playback", failed)
	if finish != nil {
		go s.finishRecording(context.Background(), finish)
	}
	if reaped {
		s.notify()
	}
	return reaped
}

// Load selects the recording at path for playback. The file is decoded
// first so a malformed recording is rejected with no state change.
func (s *Supervisor) Load(path string) (event.Sequence, error) {
	seq, err := event.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load recording: %w", err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	_, failed := s.reapLocked()
	busy := s.recording != nil || s.playing != nil
	if !busy {
		s.loaded = path
	}
	s.mu.Unlock()

	s.fail("playback", failed)
	if busy {
		return nil, fmt.Errorf("load recording: %w", ErrConflict)
	}

	s.logger.Info("recording loaded", "path", path, "events", len(seq), "duration", seq.Duration())
	s.notify()
	return seq, nil
}

// Unload clears the selected recording.
func (s *Supervisor) Unload() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	_, failed := s.reapLocked()
	busy := s.recording != nil || s.playing != nil
	if !busy {
		s.loaded = ""
	}
	s.mu.Unlock()

	s.fail("playback", failed)
	if busy {
		return fmt.Errorf("unload recording: %w", ErrConflict)
	}

	s.notify()
	return nil
}

// SetSpeed sets the speed used by the next playback.
func (s *Supervisor) SetSpeed(speed float64) error {
	if math.IsNaN(speed) || speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("%w: %v not in [%v, %v]", player.ErrInvalidSpeed, speed, MinSpeed, MaxSpeed)
	}
	s.updatePlayback(func(o *player.Options) { o.Speed = speed })
	return nil
}

// SetRepeatCount sets the number of passes of the next playback; 0 repeats
// until stopped.
func (s *Supervisor) SetRepeatCount(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: repeat count %d", player.ErrInvalidRepeat, n)
	}
	s.updatePlayback(func(o *player.Options) { o.RepeatCount = n })
	return nil
}

// SetRepeatInterval sets the pause between passes of the next playback.
func (s *Supervisor) SetRepeatInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: repeat interval %v", player.ErrInvalidRepeat, d)
	}
	s.updatePlayback(func(o *player.Options) { o.RepeatInterval = d })
	return nil
}

func (s *Supervisor) updatePlayback(fn func(*player.Options)) {
	s.mu.Lock()
	fn(&s.playback)
	s.mu.Unlock()
	s.notify()
}

// SetKeymap replaces the hotkeys used for detection and passed to new
// workers. Running workers keep the keymap they were started with.
func (s *Supervisor) SetKeymap(km hotkey.Keymap) {
	s.mu.Lock()
	s.keymap = km
	s.mu.Unlock()
	s.notify()
}

// Action is what a hotkey asked the supervisor to do.
type Action uint8

const (
	ActionNone Action = iota
	ActionStartRecording
	ActionStopRecording
	ActionStartPlayback
	ActionStopPlayback
)

// HandleInput feeds one captured input through the hotkey detector and
// dispatches the triggered action in the background. It must be called
// from a single goroutine.
func (s *Supervisor) HandleInput(ctx context.Context, in capture.Input) Action {
	s.mu.Lock()
	km := s.keymap
	st := deriveState(s.recording != nil, s.playing != nil, s.loaded)
	s.mu.Unlock()

	s.inputMu.Lock()
	s.detector.Observe(in.Event)
	action := ActionNone
	switch st {
	case Recording:
		if s.detector.Fired(in.Event, km.StopRecording) {
			action = ActionStopRecording
		}
	case Playing:
		if s.detector.Fired(in.Event, km.StopPlayback) {
			action = ActionStopPlayback
		}
	default:
		switch {
		case s.detector.Fired(in.Event, km.StartRecording):
			action = ActionStartRecording
		case s.detector.Fired(in.Event, km.StartPlayback):
			action = ActionStartPlayback
		}
	}
	s.inputMu.Unlock()

	if action != ActionNone {
		go s.dispatch(ctx, action)
	}
	return action
}

func (s *Supervisor) dispatch(ctx context.Context, a Action) {
	var err error
	switch a {
	case ActionStartRecording:
		err = s.StartRecording(ctx)
	case ActionStopRecording:
		err = s.StopRecording(ctx)
	case ActionStartPlayback:
		err = s.StartPlayback(ctx)
	case ActionStopPlayback:
		err = s.StopPlayback(ctx)
	}
	s.fail("hotkey "+a.String(), err)
}

// Shutdown kills live workers and deletes an unsaved recording.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	rec, play := s.recording, s.playing
	s.recording, s.playing = nil, nil
	s.mu.Unlock()

	if play != nil {
		kill(play)
	}
	if rec != nil {
		kill(rec.worker)
		if err := os.Remove(rec.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("discard recording", "path", rec.path, "error", err)
		}
	}
}

func kill(w Worker) {
	if exited(w) {
		return
	}
	_ = w.Kill()
	select {
	case <-w.Done():
	case <-time.After(DefaultStopTimeout):
	}
}

func (s *Supervisor) tempPath() string {
	name := fmt.Sprintf("macro_recording_%d_%s.json", s.opts.Now().Unix(), uuid.NewString())
	return filepath.Join(s.opts.TempDir, name)
}

func (s *Supervisor) suggestedPath() string {
	name := "recording_" + s.opts.Now().Format("20060102_150405") + ".json"
	return filepath.Join(s.opts.RecordingsDir, name)
}

func (a Action) String() string {
	switch a {
	case ActionStartRecording:
		return "start-recording"
	case ActionStopRecording:
		return "stop-recording"
	case ActionStartPlayback:
		return "start-playback"
	case ActionStopPlayback:
		return "stop-playback"
	}
	return "none"
}
