package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"go.aimuz.me/macro/capture"
	"go.aimuz.me/macro/catalog"
	"go.aimuz.me/macro/event"
	"go.aimuz.me/macro/hotkey"
	"go.aimuz.me/macro/player"
)

// mockWorker exits on the signal named by exitOn.
type mockWorker struct {
	pid    int
	exitOn string // "interrupt", "terminate", "kill"
	code   int
	onExit func()

	mu    sync.Mutex
	calls []string
	done  chan struct{}
	once  sync.Once
}

func newMockWorker(exitOn string) *mockWorker {
	return &mockWorker{pid: 4242, exitOn: exitOn, done: make(chan struct{})}
}

func (w *mockWorker) signal(name string) error {
	w.mu.Lock()
	w.calls = append(w.calls, name)
	w.mu.Unlock()
	if name == w.exitOn || name == "kill" {
		w.exit()
	}
	return nil
}

func (w *mockWorker) exit() {
	w.once.Do(func() {
		if w.onExit != nil {
			w.onExit()
		}
		close(w.done)
	})
}

func (w *mockWorker) Interrupt() error      { return w.signal("interrupt") }
func (w *mockWorker) Terminate() error      { return w.signal("terminate") }
func (w *mockWorker) Kill() error           { return w.signal("kill") }
func (w *mockWorker) Done() <-chan struct{} { return w.done }
func (w *mockWorker) ExitCode() int         { return w.code }
func (w *mockWorker) PID() int              { return w.pid }

func (w *mockWorker) signals() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.calls)
}

// mockSpawner hands out workers and writes the recording a real record
// worker would persist on exit.
type mockSpawner struct {
	mu      sync.Mutex
	err     error
	exitOn  string
	code    int
	record  event.Sequence
	spawned []spawnCall
	workers []*mockWorker
}

type spawnCall struct {
	kind Kind
	args []string
}

func (s *mockSpawner) Spawn(_ context.Context, kind Kind, args []string) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	exitOn := s.exitOn
	if exitOn == "" {
		exitOn = "interrupt"
	}
	w := newMockWorker(exitOn)
	w.code = s.code
	// A failed record worker leaves no file behind.
	if kind == KindRecord && s.code == 0 {
		path, seq := args[1], s.record
		w.onExit = func() { _ = event.WriteFile(path, seq) }
	}
	s.spawned = append(s.spawned, spawnCall{kind, slices.Clone(args)})
	s.workers = append(s.workers, w)
	return w, nil
}

func (s *mockSpawner) last() (spawnCall, *mockWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[len(s.spawned)-1], s.workers[len(s.workers)-1]
}

func (s *mockSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

type mockPrompter struct {
	dest      string
	err       error
	suggested string
}

func (p *mockPrompter) SaveRecording(_ context.Context, suggested string) (string, error) {
	p.suggested = suggested
	return p.dest, p.err
}

type mockCatalog struct {
	added []string
}

func (c *mockCatalog) Add(path string, seq event.Sequence) (catalog.Entry, error) {
	c.added = append(c.added, path)
	return catalog.Entry{Path: path, Events: len(seq)}, nil
}

type fixture struct {
	sup      *Supervisor
	spawner  *mockSpawner
	prompter *mockPrompter
	catalog  *mockCatalog
	dir      string
	views    []View

	errMu sync.Mutex
	errs  []failure
}

type failure struct {
	op  string
	err error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		spawner:  &mockSpawner{record: event.Sequence{event.KeyPress("a"), event.KeyRelease("a").WithDelay(50)}},
		prompter: &mockPrompter{},
		catalog:  &mockCatalog{},
		dir:      dir,
	}
	f.sup = New(Options{
		Spawner:       f.spawner,
		Prompter:      f.prompter,
		Catalog:       f.catalog,
		RecordingsDir: filepath.Join(dir, "recordings"),
		TempDir:       filepath.Join(dir, "tmp"),
		StopTimeout:   100 * time.Millisecond,
		Now:           func() time.Time { return time.Date(2024, 5, 1, 9, 30, 15, 0, time.Local) },
		OnChange:      func(v View) { f.views = append(f.views, v) },
		OnError: func(op string, err error) {
			f.errMu.Lock()
			f.errs = append(f.errs, failure{op, err})
			f.errMu.Unlock()
		},
	})
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) failures() []failure {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return slices.Clone(f.errs)
}

// waitFailure waits for the first error handed to OnError.
func (f *fixture) waitFailure(t *testing.T) failure {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if errs := f.failures(); len(errs) > 0 {
			return errs[0]
		}
		if time.Now().After(deadline) {
			t.Fatal("no failure reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) writeRecording(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := event.WriteFile(path, event.Sequence{event.KeyPress("a")}); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRecordAndSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prompter.dest = filepath.Join(f.dir, "saved", "mine.json")

	if err := f.sup.ToggleRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.sup.View().State; got != Recording {
		t.Fatalf("state = %v, want recording", got)
	}
	call, w := f.spawner.last()
	tmp := call.args[1]
	if call.kind != KindRecord || call.args[0] != "record" || !slices.Contains(call.args, "--immediate") {
		t.Errorf("spawn args = %v", call.args)
	}
	if filepath.Dir(tmp) != filepath.Join(f.dir, "tmp") {
		t.Errorf("temp path %q not in temp dir", tmp)
	}

	if err := f.sup.ToggleRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := w.signals(); !slices.Equal(got, []string{"interrupt"}) {
		t.Errorf("signals = %v, want a single interrupt", got)
	}
	if want := filepath.Join(f.dir, "recordings", "recording_20240501_093015.json"); f.prompter.suggested != want {
		t.Errorf("suggested = %q, want %q", f.prompter.suggested, want)
	}

	seq, err := event.ReadFile(f.prompter.dest)
	if err != nil {
		t.Fatalf("saved file: %v", err)
	}
	if len(seq) != 2 {
		t.Errorf("saved %d events, want 2", len(seq))
	}
	if _, err := os.Stat(tmp); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file still present: %v", err)
	}
	if !slices.Equal(f.catalog.added, []string{f.prompter.dest}) {
		t.Errorf("catalog = %v", f.catalog.added)
	}

	v := f.sup.View()
	if v.State != Loaded || v.Loaded != f.prompter.dest {
		t.Errorf("view = %+v, want saved recording loaded", v)
	}
}

func TestStopEscalatesToTerminate(t *testing.T) {
	f := newFixture(t)
	f.spawner.exitOn = "terminate"
	f.prompter.dest = ""
	ctx := context.Background()

	if err := f.sup.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	call, w := f.spawner.last()

	start := time.Now()
	if err := f.sup.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("escalated after %v, before the stop timeout", elapsed)
	}
	if got := w.signals(); !slices.Equal(got, []string{"interrupt", "terminate"}) {
		t.Errorf("signals = %v", got)
	}

	// Declined save deletes the temp recording.
	if _, err := os.Stat(call.args[1]); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("declined recording kept: %v", err)
	}
	if got := f.sup.View().State; got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()

	t.Run("record while playing", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.sup.Load(f.writeRecording(t, "r.json")); err != nil {
			t.Fatal(err)
		}
		if err := f.sup.TogglePlayback(ctx); err != nil {
			t.Fatal(err)
		}
		before := f.sup.View()

		err := f.sup.ToggleRecording(ctx)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
		if after := f.sup.View(); after != before {
			t.Errorf("state changed: %+v -> %+v", before, after)
		}
		if f.spawner.count() != 1 {
			t.Errorf("spawned %d workers, want 1", f.spawner.count())
		}
	})

	t.Run("play while recording", func(t *testing.T) {
		f := newFixture(t)
		if err := f.sup.ToggleRecording(ctx); err != nil {
			t.Fatal(err)
		}
		before := f.sup.View()

		if err := f.sup.StartPlayback(ctx); !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
		if after := f.sup.View(); after != before {
			t.Errorf("state changed: %+v -> %+v", before, after)
		}
	})
}

func TestSpawnFailureRevertsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.writeRecording(t, "r.json")
	if _, err := f.sup.Load(path); err != nil {
		t.Fatal(err)
	}
	f.spawner.err = errors.New("exec format error")

	if err := f.sup.ToggleRecording(ctx); !errors.Is(err, ErrSpawn) {
		t.Errorf("record err = %v, want ErrSpawn", err)
	}
	if err := f.sup.TogglePlayback(ctx); !errors.Is(err, ErrSpawn) {
		t.Errorf("play err = %v, want ErrSpawn", err)
	}
	v := f.sup.View()
	if v.State != Loaded || v.Loaded != path {
		t.Errorf("view = %+v, want loaded %s", v, path)
	}
}

func TestPlaybackArgsAndPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.writeRecording(t, "r.json")
	if _, err := f.sup.Load(path); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.SetSpeed(2.5); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.SetRepeatCount(0); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.SetRepeatInterval(1500 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.TogglePlayback(ctx); err != nil {
		t.Fatal(err)
	}
	call, w := f.spawner.last()
	want := []string{"play", path, "--speed", "2.5", "--repeat-count", "0", "--repeat-interval", "1.5", "--immediate"}
	if !slices.Equal(call.args[:len(want)], want) {
		t.Errorf("args = %v, want prefix %v", call.args, want)
	}
	if f.sup.View().State != Playing {
		t.Fatalf("state = %v, want playing", f.sup.View().State)
	}

	if f.sup.PollWorkerStatus() {
		t.Error("poll reaped a running worker")
	}
	w.exit()
	if !f.sup.PollWorkerStatus() {
		t.Error("poll did not reap the exited worker")
	}
	if got := f.sup.View().State; got != Loaded {
		t.Errorf("state after reap = %v, want loaded", got)
	}
	if errs := f.failures(); len(errs) != 0 {
		t.Errorf("clean exit reported %v", errs)
	}
}

func TestTogglePlaybackStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sup.Load(f.writeRecording(t, "r.json")); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.TogglePlayback(ctx); err != nil {
		t.Fatal(err)
	}
	_, w := f.spawner.last()

	if err := f.sup.TogglePlayback(ctx); err != nil {
		t.Fatal(err)
	}
	if !exited(w) {
		t.Error("playback worker still running")
	}
	if got := f.sup.View().State; got != Loaded {
		t.Errorf("state = %v, want loaded", got)
	}
}

func TestPlaybackWithoutRecordingIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.sup.TogglePlayback(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	if f.spawner.count() != 0 {
		t.Error("spawned a worker with nothing loaded")
	}
}

func TestLoadMalformed(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(f.dir, "bad.json")
	if err := os.WriteFile(bad, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sup.Load(bad); !errors.Is(err, event.ErrMalformedRecording) {
		t.Errorf("err = %v, want ErrMalformedRecording", err)
	}
	if got := f.sup.View().State; got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestUnload(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sup.Load(f.writeRecording(t, "r.json")); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.Unload(); err != nil {
		t.Fatal(err)
	}
	if v := f.sup.View(); v.State != Idle || v.Loaded != "" {
		t.Errorf("view = %+v", v)
	}
}

func TestRecordingWorkerExitsOnItsOwn(t *testing.T) {
	f := newFixture(t)
	f.prompter.dest = filepath.Join(f.dir, "auto.json")
	if err := f.sup.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, w := f.spawner.last()
	w.exit()

	f.sup.PollWorkerStatus()
	deadline := time.Now().Add(2 * time.Second)
	for f.sup.View().State != Loaded {
		if time.Now().After(deadline) {
			t.Fatalf("recording not finished, state %v", f.sup.View().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(f.prompter.dest); err != nil {
		t.Errorf("saved file: %v", err)
	}
}

func TestSettingsValidation(t *testing.T) {
	f := newFixture(t)
	for _, speed := range []float64{0, 0.05, 5.5, -1} {
		if err := f.sup.SetSpeed(speed); !errors.Is(err, player.ErrInvalidSpeed) {
			t.Errorf("SetSpeed(%v) err = %v", speed, err)
		}
	}
	if err := f.sup.SetRepeatCount(-1); !errors.Is(err, player.ErrInvalidRepeat) {
		t.Errorf("SetRepeatCount err = %v", err)
	}
	if got := f.sup.View().Playback; got != player.DefaultOptions() {
		t.Errorf("playback = %+v, want defaults", got)
	}
}

func TestViewPermissions(t *testing.T) {
	tests := []struct {
		st                         State
		record, play, load, unload bool
	}{
		{Idle, true, false, true, false},
		{Loaded, true, true, true, true},
		{Recording, true, false, false, false},
		{Playing, false, true, false, false},
	}
	for _, tt := range tests {
		v := newView(tt.st, "", player.Options{}, hotkey.DefaultKeymap())
		got := [4]bool{v.CanToggleRecording, v.CanTogglePlayback, v.CanLoad, v.CanUnload}
		want := [4]bool{tt.record, tt.play, tt.load, tt.unload}
		if got != want {
			t.Errorf("%v: permissions = %v, want %v", tt.st, got, want)
		}
	}
}

func TestDeriveStatePrecedence(t *testing.T) {
	tests := []struct {
		recording, playing bool
		loaded             string
		want               State
	}{
		{true, true, "x", Recording},
		{false, true, "x", Playing},
		{false, false, "x", Loaded},
		{false, false, "", Idle},
	}
	for _, tt := range tests {
		if got := deriveState(tt.recording, tt.playing, tt.loaded); got != tt.want {
			t.Errorf("deriveState(%v, %v, %q) = %v, want %v", tt.recording, tt.playing, tt.loaded, got, tt.want)
		}
	}
}

func TestHandleInputHotkeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	press := func(keys ...event.Key) Action {
		var last Action
		for _, k := range keys {
			last = f.sup.HandleInput(ctx, capture.Input{Event: event.KeyPress(k), When: time.Now()})
		}
		return last
	}
	release := func(keys ...event.Key) {
		for _, k := range keys {
			f.sup.HandleInput(ctx, capture.Input{Event: event.KeyRelease(k), When: time.Now()})
		}
	}

	if got := press("lcmd", "lshift", "1"); got != ActionStartRecording {
		t.Fatalf("action = %v, want start-recording", got)
	}
	if got := press("1"); got != ActionNone {
		t.Errorf("auto-repeat dispatched %v", got)
	}
	release("1")

	deadline := time.Now().Add(2 * time.Second)
	for f.sup.View().State != Recording {
		if time.Now().After(deadline) {
			t.Fatal("hotkey did not start recording")
		}
		time.Sleep(5 * time.Millisecond)
	}

	call, w := f.spawner.last()
	if got := press("1"); got != ActionStopRecording {
		t.Errorf("action = %v, want stop-recording", got)
	}

	// The declined save deletes the temp file last; wait for it so the
	// background stop does not race TempDir cleanup.
	for {
		_, err := os.Stat(call.args[1])
		if exited(w) && errors.Is(err, os.ErrNotExist) && f.sup.View().State == Idle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hotkey did not stop recording")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdownDiscardsRecording(t *testing.T) {
	f := newFixture(t)
	f.spawner.exitOn = "kill"
	if err := f.sup.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	call, w := f.spawner.last()

	f.sup.Shutdown()
	if !exited(w) {
		t.Error("worker not killed")
	}
	if _, err := os.Stat(call.args[1]); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp recording kept: %v", err)
	}
	if got := f.sup.View().State; got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestOnChangeCalled(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sup.Load(f.writeRecording(t, "r.json")); err != nil {
		t.Fatal(err)
	}
	if len(f.views) == 0 || f.views[len(f.views)-1].State != Loaded {
		t.Errorf("views = %+v", f.views)
	}
}

func TestExitError(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{0, nil},
		{ExitCodeHookUnavailable, capture.ErrHookUnavailable},
		{1, ErrWorkerFailed},
		{-1, ErrWorkerFailed},
	}
	for _, tt := range tests {
		err := exitError(KindPlay, tt.code)
		if tt.want == nil {
			if err != nil {
				t.Errorf("code %d: err = %v, want nil", tt.code, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("code %d: err = %v, want %v", tt.code, err, tt.want)
		}
	}
}

func TestRecordingWorkerHookUnavailable(t *testing.T) {
	f := newFixture(t)
	f.spawner.code = ExitCodeHookUnavailable
	if err := f.sup.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	call, w := f.spawner.last()
	w.exit()

	f.sup.PollWorkerStatus()
	got := f.waitFailure(t)
	if !errors.Is(got.err, capture.ErrHookUnavailable) {
		t.Fatalf("%s: err = %v, want ErrHookUnavailable", got.op, got.err)
	}
	if f.prompter.suggested != "" {
		t.Error("save prompt shown for a failed recording")
	}
	if _, err := os.Stat(call.args[1]); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp recording kept: %v", err)
	}
	if st := f.sup.View().State; st != Idle {
		t.Errorf("state = %v, want idle", st)
	}
}

func TestStopRecordingAfterHookFailure(t *testing.T) {
	f := newFixture(t)
	f.spawner.code = ExitCodeHookUnavailable
	ctx := context.Background()
	if err := f.sup.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	_, w := f.spawner.last()
	w.exit()

	if err := f.sup.StopRecording(ctx); !errors.Is(err, capture.ErrHookUnavailable) {
		t.Errorf("err = %v, want ErrHookUnavailable", err)
	}
	if st := f.sup.View().State; st != Idle {
		t.Errorf("state = %v, want idle", st)
	}
}

func TestPlaybackWorkerFailure(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"hook unavailable", ExitCodeHookUnavailable, capture.ErrHookUnavailable},
		{"crash", 2, ErrWorkerFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.spawner.code = tt.code
			if _, err := f.sup.Load(f.writeRecording(t, "r.json")); err != nil {
				t.Fatal(err)
			}
			if err := f.sup.TogglePlayback(context.Background()); err != nil {
				t.Fatal(err)
			}
			_, w := f.spawner.last()
			w.exit()

			if !f.sup.PollWorkerStatus() {
				t.Fatal("poll did not reap the exited worker")
			}
			errs := f.failures()
			if len(errs) != 1 || !errors.Is(errs[0].err, tt.want) {
				t.Fatalf("failures = %v, want one %v", errs, tt.want)
			}
			if st := f.sup.View().State; st != Loaded {
				t.Errorf("state = %v, want loaded", st)
			}
		})
	}
}

func TestHotkeyActionFailureReported(t *testing.T) {
	f := newFixture(t)
	f.spawner.err = errors.New("exec format error")
	ctx := context.Background()

	for _, k := range []event.Key{"lcmd", "lshift", "1"} {
		f.sup.HandleInput(ctx, capture.Input{Event: event.KeyPress(k), When: time.Now()})
	}
	got := f.waitFailure(t)
	if !errors.Is(got.err, ErrSpawn) {
		t.Errorf("%s: err = %v, want ErrSpawn", got.op, got.err)
	}
	if got.op != "hotkey start-recording" {
		t.Errorf("op = %q", got.op)
	}
}

func TestFinishRecordingIgnoresReplacedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.sup.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	_, current := f.spawner.last()

	old := newMockWorker("interrupt")
	old.exit()
	f.sup.finishRecording(ctx, &recordingWorker{worker: old, path: filepath.Join(f.dir, "tmp", "old.json"), finishing: true})

	if st := f.sup.View().State; st != Recording {
		t.Errorf("state = %v, want recording", st)
	}
	if got := current.signals(); len(got) != 0 {
		t.Errorf("current worker signalled: %v", got)
	}
	if f.prompter.suggested != "" {
		t.Error("save prompt shown for a replaced worker")
	}
}
