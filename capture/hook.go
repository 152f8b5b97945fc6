package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	hook "github.com/robotn/gohook"
)

const defaultEnableTimeout = 2 * time.Second

// HookSource captures input through the process-wide gohook listener.
// Only one HookSource may run at a time.
type HookSource struct {
	// EnableTimeout bounds the wait for the hook to report itself enabled.
	EnableTimeout time.Duration
	Logger        *slog.Logger

	mu      sync.Mutex
	running bool
}

// Start installs the hook and streams converted input until ctx is done.
func (s *HookSource) Start(ctx context.Context) (<-chan Input, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrHookUnavailable
	}
	s.running = true
	s.mu.Unlock()

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := s.EnableTimeout
	if timeout <= 0 {
		timeout = defaultEnableTimeout
	}

	raw := hook.Start()

	// The hook announces itself with HookEnabled. Some backends skip the
	// announcement, so any first event counts as proof of life.
	var first *hook.Event
	select {
	case ev, ok := <-raw:
		if !ok {
			s.release()
			return nil, ErrHookUnavailable
		}
		if ev.Kind != hook.HookEnabled {
			first = &ev
		}
	case <-time.After(timeout):
		hook.End()
		s.release()
		return nil, ErrHookUnavailable
	case <-ctx.Done():
		hook.End()
		s.release()
		return nil, ctx.Err()
	}
	logger.Debug("input hook enabled")

	out := make(chan Input, 256)
	go func() {
		defer s.release()
		defer close(out)

		if first != nil && !s.forward(ctx, out, *first) {
			hook.End()
			return
		}
		for {
			select {
			case <-ctx.Done():
				hook.End()
				return
			case ev, ok := <-raw:
				if !ok {
					logger.Warn("input hook closed")
					return
				}
				if ev.Kind == hook.HookDisabled {
					logger.Warn("input hook disabled by the system")
					hook.End()
					return
				}
				if !s.forward(ctx, out, ev) {
					hook.End()
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *HookSource) forward(ctx context.Context, out chan<- Input, ev hook.Event) bool {
	e, ok := convert(ev, hook.RawcodetoKeychar)
	if !ok {
		return true
	}
	when := ev.When
	if when.IsZero() {
		when = time.Now()
	}
	select {
	case out <- Input{Event: e, When: when}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *HookSource) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
