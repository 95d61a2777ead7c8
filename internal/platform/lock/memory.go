package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker serializes holders inside one process.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Release, error) {
	ch := l.slot(key)
	release := func() Release {
		var once sync.Once
		return func(context.Context) error {
			once.Do(func() { <-ch })
			return nil
		}
	}

	if wait <= 0 {
		select {
		case ch <- struct{}{}:
			return release(), nil
		default:
			return nil, ErrLockTimeout
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return release(), nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
