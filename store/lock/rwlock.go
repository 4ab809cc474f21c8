package lock

import (
	"context"
	"sync"
	"time"
)

// rwLock is a reader/writer lock whose acquisition can time out and can
// upgrade a single reader to a writer. Waiters block on a channel that is
// closed and replaced on every release.
type rwLock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	changed chan struct{}
}

func newRWLock() *rwLock {
	return &rwLock{changed: make(chan struct{})}
}

// grant takes the lock if it is free for mode. It must be called with mu held.
func (l *rwLock) grant(mode Mode, upgrade bool) bool {
	if mode == Shared {
		if l.writer {
			return false
		}
		l.readers++
		return true
	}
	if upgrade {
		if l.writer || l.readers != 1 {
			return false
		}
		l.readers = 0
		l.writer = true
		return true
	}
	if l.writer || l.readers > 0 {
		return false
	}
	l.writer = true
	return true
}

// tryAcquire takes the lock without waiting.
func (l *rwLock) tryAcquire(mode Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grant(mode, false)
}

// acquire waits up to timeout for the lock. It returns false on timeout or
// when ctx is done. With upgrade set the caller must hold the lock shared
// and the held read lock becomes the write lock.
func (l *rwLock) acquire(ctx context.Context, mode Mode, timeout time.Duration, upgrade bool) bool {
	var timer *time.Timer
	l.mu.Lock()
	for !l.grant(mode, upgrade) {
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		ch := l.changed
		l.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
		l.mu.Lock()
	}
	l.mu.Unlock()
	return true
}

func (l *rwLock) release(mode Mode) {
	l.mu.Lock()
	if mode == Shared {
		l.readers--
	} else {
		l.writer = false
	}
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}
