package syncer

import (
	"errors"
	"sync"
)

// ErrLockBusy is returned when a sync is already in progress. Callers never
// wait: pollers skip the cycle, the callback handler enqueues the event.
var ErrLockBusy = errors.New("sync already in progress")

// Lock is the single process-wide gate over the leave store and the active
// index. Every writer must pass through it; acquisition is non-blocking by
// construction, so there is no lock-wait and no deadlock.
type Lock struct {
	mu   sync.Mutex
	held bool
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Release frees the lock.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
}

// IsHeld reports whether a writer currently holds the lock.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
