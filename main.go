package main

import (
	"context"
	"errors"
	"log"
	"log/slog"

	"pkt.systems/psi"

	"go.aimuz.me/macro/capture"
	"go.aimuz.me/macro/internal/logging"
	"go.aimuz.me/macro/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := logging.FromEnv()
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelInfo).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("macro command failed", "error", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, capture.ErrHookUnavailable):
		return supervisor.ExitCodeHookUnavailable
	default:
		return 1
	}
}
