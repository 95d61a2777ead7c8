// Package lock provides keyed mutual exclusion with a bounded wait.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a lock could not be taken within the wait.
var ErrLockTimeout = errors.New("lock wait timed out")

// Release gives a held lock back. Calling it more than once is harmless.
type Release func(ctx context.Context) error

// Locker hands out exclusive locks per key. Acquire never waits longer than
// wait; it returns ErrLockTimeout instead.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (Release, error)
}
