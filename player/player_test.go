package player

import (
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.aimuz.me/macro/event"
	"go.aimuz.me/macro/inject"
)

// mockInjector records every emitted event and when it was emitted.
type mockInjector struct {
	mu    sync.Mutex
	start time.Time
	evs   []event.Event
	at    []time.Duration
	fail  func(event.Event) error
}

func newMockInjector() *mockInjector {
	return &mockInjector{start: time.Now()}
}

func (m *mockInjector) Emit(ev event.Event) error {
	if m.fail != nil {
		if err := m.fail(ev); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs = append(m.evs, ev)
	m.at = append(m.at, time.Since(m.start))
	return nil
}

func (m *mockInjector) snapshot() ([]event.Event, []time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.evs), slices.Clone(m.at)
}

const tolerance = 50 * time.Millisecond

func TestBasicScenario(t *testing.T) {
	seq := event.Sequence{event.KeyPress("a"), event.KeyRelease("a").WithDelay(50)}
	inj := newMockInjector()

	res, err := New(inj, nil).Play(seq, DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res != (Result{Passes: 1, Emitted: 2}) {
		t.Errorf("result = %+v", res)
	}

	evs, at := inj.snapshot()
	if !slices.Equal(evs, []event.Event(seq)) {
		t.Fatalf("emitted %v, want %v", evs, seq)
	}
	if at[0] > tolerance {
		t.Errorf("first event emitted after %v, want immediately", at[0])
	}
	if gap := at[1] - at[0]; gap < 50*time.Millisecond || gap > 50*time.Millisecond+tolerance {
		t.Errorf("gap = %v, want ~50ms", gap)
	}
}

func TestSpeedScalesDuration(t *testing.T) {
	seq := event.Sequence{
		event.KeyPress("a"),
		event.KeyRelease("a").WithDelay(100),
		event.KeyPress("b").WithDelay(100),
		event.KeyRelease("b").WithDelay(100),
	}
	tests := []struct {
		speed float64
		want  time.Duration
	}{
		{2, 150 * time.Millisecond},
		{0.5, 600 * time.Millisecond},
	}
	for _, tt := range tests {
		inj := newMockInjector()
		start := time.Now()
		if _, err := New(inj, nil).Play(seq, Options{Speed: tt.speed, RepeatCount: 1}, nil); err != nil {
			t.Fatal(err)
		}
		elapsed := time.Since(start)
		if elapsed < tt.want || elapsed > tt.want+tolerance*time.Duration(len(seq)) {
			t.Errorf("speed %v: elapsed %v, want ~%v", tt.speed, elapsed, tt.want)
		}
	}
}

func TestScaledDelay(t *testing.T) {
	tests := []struct {
		delay uint64
		speed float64
		want  time.Duration
	}{
		{50, 1, 50 * time.Millisecond},
		{5, 2, 2 * time.Millisecond},
		{1, 3, 0},
		{10, 0.25, 40 * time.Millisecond},
		{0, 5, 0},
	}
	for _, tt := range tests {
		got := ScaledDelay(event.KeyPress("a").WithDelay(tt.delay), tt.speed)
		if got != tt.want {
			t.Errorf("ScaledDelay(%d, %v) = %v, want %v", tt.delay, tt.speed, got, tt.want)
		}
	}
}

func TestRepeatCount(t *testing.T) {
	seq := event.Sequence{event.KeyPress("a"), event.KeyRelease("a").WithDelay(5)}
	inj := newMockInjector()

	res, err := New(inj, nil).Play(seq, Options{Speed: 1, RepeatCount: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passes != 3 || res.Emitted != 6 || res.Cancelled {
		t.Errorf("result = %+v", res)
	}
}

func TestRepeatInterval(t *testing.T) {
	seq := event.Sequence{event.KeyPress("a")}
	inj := newMockInjector()

	opts := Options{Speed: 1, RepeatCount: 2, RepeatInterval: 120 * time.Millisecond}
	if _, err := New(inj, nil).Play(seq, opts, nil); err != nil {
		t.Fatal(err)
	}
	_, at := inj.snapshot()
	if len(at) != 2 {
		t.Fatalf("emitted %d events, want 2", len(at))
	}
	if gap := at[1] - at[0]; gap < 120*time.Millisecond {
		t.Errorf("gap between passes = %v, want >= 120ms", gap)
	}
}

func TestInfiniteRepeatThenCancel(t *testing.T) {
	seq := event.Sequence{event.KeyPress("a"), event.KeyRelease("a").WithDelay(20)}
	inj := newMockInjector()
	var cancel atomic.Bool

	time.AfterFunc(300*time.Millisecond, func() { cancel.Store(true) })
	res, err := New(inj, nil).Play(seq, Options{Speed: 1, RepeatCount: 0}, &cancel)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled {
		t.Error("expected cancelled result")
	}
	if res.Emitted < len(seq) {
		t.Errorf("emitted %d events, want at least one pass", res.Emitted)
	}

	evs, _ := inj.snapshot()
	time.Sleep(100 * time.Millisecond)
	after, _ := inj.snapshot()
	if len(after) != len(evs) {
		t.Errorf("events emitted after Play returned: %d -> %d", len(evs), len(after))
	}
}

func TestCancelDuringInterval(t *testing.T) {
	seq := event.Sequence{event.KeyPress("a")}
	inj := newMockInjector()
	var cancel atomic.Bool

	opts := Options{Speed: 1, RepeatCount: 5, RepeatInterval: 10 * time.Second}
	var cancelledAt time.Time
	time.AfterFunc(150*time.Millisecond, func() {
		cancelledAt = time.Now()
		cancel.Store(true)
	})

	res, err := New(inj, nil).Play(seq, opts, &cancel)
	if err != nil {
		t.Fatal(err)
	}
	latency := time.Since(cancelledAt)
	if latency > 100*time.Millisecond {
		t.Errorf("cancel latency %v, want <= 100ms", latency)
	}
	if !res.Cancelled || res.Passes != 1 || res.Emitted != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	var cancel atomic.Bool
	cancel.Store(true)
	inj := newMockInjector()

	res, err := New(inj, nil).Play(event.Sequence{event.KeyPress("a")}, DefaultOptions(), &cancel)
	if err != nil {
		t.Fatal(err)
	}
	if evs, _ := inj.snapshot(); len(evs) != 0 {
		t.Errorf("emitted %v after cancel", evs)
	}
	if !res.Cancelled {
		t.Error("expected cancelled result")
	}
}

func TestEmitFailureContinues(t *testing.T) {
	seq := event.Sequence{event.KeyPress("#4242"), event.KeyPress("a"), event.KeyRelease("a")}
	inj := newMockInjector()
	inj.fail = func(ev event.Event) error {
		if ev.Key == "#4242" {
			return inject.ErrEmit
		}
		return nil
	}

	res, err := New(inj, nil).Play(seq, DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Emitted != 2 || res.Passes != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"zero speed", Options{Speed: 0, RepeatCount: 1}, ErrInvalidSpeed},
		{"negative speed", Options{Speed: -1, RepeatCount: 1}, ErrInvalidSpeed},
		{"nan speed", Options{Speed: math.NaN(), RepeatCount: 1}, ErrInvalidSpeed},
		{"inf speed", Options{Speed: math.Inf(1), RepeatCount: 1}, ErrInvalidSpeed},
		{"negative repeat", Options{Speed: 1, RepeatCount: -1}, ErrInvalidRepeat},
		{"negative interval", Options{Speed: 1, RepeatInterval: -time.Second}, ErrInvalidRepeat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := newMockInjector()
			_, err := New(inj, nil).Play(event.Sequence{event.KeyPress("a")}, tt.opts, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if evs, _ := inj.snapshot(); len(evs) != 0 {
				t.Errorf("emitted %v despite invalid options", evs)
			}
		})
	}
}

func TestEmptySequenceReturnsImmediately(t *testing.T) {
	done := make(chan Result, 1)
	go func() {
		res, _ := New(newMockInjector(), nil).Play(nil, Options{Speed: 1, RepeatCount: 0}, nil)
		done <- res
	}()
	select {
	case res := <-done:
		if res != (Result{}) {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("infinite playback of an empty sequence did not return")
	}
}
