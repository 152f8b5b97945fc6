//go:build windows

package fsutil

import (
	"errors"

	"golang.org/x/sys/windows"
)

var errCrossDevice error = windows.ERROR_NOT_SAME_DEVICE

func isCrossDevice(err error) bool {
	return errors.Is(err, windows.ERROR_NOT_SAME_DEVICE)
}
