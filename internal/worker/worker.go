// Package worker implements the record and play worker processes.
//
// Each entry point runs one session and returns when it is over. ctx is
// the graceful stop request: the process entry cancels it on SIGINT or
// SIGTERM, and the session persists or stops exactly as it would for the
// stop hotkey.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.aimuz.me/macro/capture"
	"go.aimuz.me/macro/event"
	"go.aimuz.me/macro/hotkey"
	"go.aimuz.me/macro/inject"
	"go.aimuz.me/macro/player"
	"go.aimuz.me/macro/recorder"
)

// RecordOptions configures a recording session.
type RecordOptions struct {
	Path      string
	Keymap    hotkey.Keymap
	Immediate bool
	Persist   recorder.PersistPolicy
	Source    capture.Source
	Logger    *slog.Logger
}

// Record captures input into opts.Path until the stop hotkey, ctx
// cancellation, or loss of the input hook. Failure to install the hook is
// returned before anything is recorded.
func Record(ctx context.Context, opts RecordOptions) (recorder.Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hookCtx, stopHook := context.WithCancel(ctx)
	defer stopHook()

	inputs, err := opts.Source.Start(hookCtx)
	if err != nil {
		return recorder.Summary{}, fmt.Errorf("start capture: %w", err)
	}

	rec := recorder.New(recorder.Options{
		Path:    opts.Path,
		Keymap:  opts.Keymap,
		Persist: opts.Persist,
		Logger:  logger,
	})
	if opts.Immediate {
		rec.StartNow()
	} else {
		rec.Arm()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("stop requested")
			break loop
		case <-rec.Done():
			break loop
		case in, ok := <-inputs:
			if !ok {
				logger.Warn("input hook closed, stopping")
				break loop
			}
			rec.Handle(in)
		}
	}

	stopHook()
	return rec.Stop()
}

// PlayOptions configures a playback session.
type PlayOptions struct {
	Path      string
	Keymap    hotkey.Keymap
	Immediate bool
	Playback  player.Options
	// Source feeds the start and stop hotkeys. It may be nil for an
	// immediate session that is only stopped through ctx.
	Source   capture.Source
	Injector inject.Injector
	Logger   *slog.Logger
}

// Play replays opts.Path. Without Immediate it first waits for the start
// hotkey. The stop hotkey and ctx cancellation both set the player's
// cancel flag.
func Play(ctx context.Context, opts PlayOptions) (player.Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := opts.Playback.Validate(); err != nil {
		return player.Result{}, err
	}
	seq, err := event.ReadFile(opts.Path)
	if err != nil {
		return player.Result{}, fmt.Errorf("read recording: %w", err)
	}
	if opts.Source == nil && !opts.Immediate {
		return player.Result{}, fmt.Errorf("start hotkey needs an input source: %w", capture.ErrHookUnavailable)
	}

	hookCtx, stopHook := context.WithCancel(ctx)
	defer stopHook()

	var cancel atomic.Bool
	start := make(chan struct{})
	if opts.Immediate {
		close(start)
	}

	if opts.Source != nil {
		inputs, err := opts.Source.Start(hookCtx)
		switch {
		case err == nil:
			go listen(inputs, opts.Keymap, opts.Immediate, start, &cancel)
		case opts.Immediate && errors.Is(err, capture.ErrHookUnavailable):
			logger.Warn("stop hotkey unavailable, playback can only be stopped by signal", "error", err)
		default:
			return player.Result{}, fmt.Errorf("start capture: %w", err)
		}
	}

	if !opts.Immediate {
		logger.Info("waiting for start hotkey", "hotkey", opts.Keymap.StartPlayback)
		select {
		case <-start:
		case <-ctx.Done():
			return player.Result{Cancelled: true}, nil
		}
	}

	stop := context.AfterFunc(ctx, func() { cancel.Store(true) })
	defer stop()

	return player.New(opts.Injector, logger).Play(seq, opts.Playback, &cancel)
}

// listen turns hotkey edges into the start and cancel signals. start is
// closed once, on the first start-hotkey edge, unless already closed.
func listen(inputs <-chan capture.Input, km hotkey.Keymap, started bool, start chan struct{}, cancel *atomic.Bool) {
	d := hotkey.NewDetector()
	for in := range inputs {
		d.Observe(in.Event)
		if !started {
			if d.Fired(in.Event, km.StartPlayback) {
				started = true
				close(start)
			}
			continue
		}
		if d.Fired(in.Event, km.StopPlayback) {
			cancel.Store(true)
		}
	}
}
