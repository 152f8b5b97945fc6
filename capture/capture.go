// Package capture delivers global keyboard and pointer input as events.
package capture

import (
	"context"
	"errors"
	"time"

	"go.aimuz.me/macro/event"
)

// ErrHookUnavailable is returned when the OS refuses to install the global
// input hook, usually because accessibility or input-monitoring permission
// has not been granted.
var ErrHookUnavailable = errors.New("global input hook unavailable")

// Input is a captured event and the moment it happened. DelayMS of Event is
// always zero; the consumer derives delays from When.
type Input struct {
	Event event.Event
	When  time.Time
}

// Source produces captured input until ctx is cancelled, then closes the
// returned channel.
type Source interface {
	Start(ctx context.Context) (<-chan Input, error)
}
