package flight

import (
	"sync"
)

// latch is the only synchronization primitive the state machine touches.
// It guards a *Replicator and is reentrant only in the sense that the
// holder may pass the guard between helper functions within one logical
// path (see errorHandler below) — it is never acquired twice by the same
// goroutine concurrently.
type latch struct {
	mu         sync.Mutex
	replicator *Replicator
	destroyed  bool

	// errorHandler is invoked with the latch held whenever setError is
	// called; it replaces the source's "static callback keyed by a
	// global token" pattern (see DESIGN.md) with a plain closure bound
	// to this latch's owner.
	errorHandler func(code string)
}

// newLatch returns a latch guarding r, dispatching errors to onError.
func newLatch(r *Replicator, onError func(code string)) *latch {
	return &latch{replicator: r, errorHandler: onError}
}

// lock acquires the latch and returns the guarded replicator, or nil if
// the latch has already been destroyed.
func (l *latch) lock() *Replicator {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	return l.replicator
}

// unlock releases the latch without destroying it.
func (l *latch) unlock() {
	l.mu.Unlock()
}

// unlockAndDestroy releases the latch and marks it permanently destroyed.
// It is one-way: every subsequent lock() call returns nil without
// blocking on anything but the mutex itself.
func (l *latch) unlockAndDestroy() {
	l.destroyed = true
	l.replicator = nil
	l.mu.Unlock()
}

// isDestroyed reports whether the latch has been torn down. Safe to call
// without holding the latch; used by best-effort diagnostics only.
func (l *latch) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

// setError delivers code to the error handler while holding the latch,
// mirroring the source's lock/on_error(code)/unlock discipline. The
// handler is responsible for releasing the latch (directly or via a
// helper) along every path — setError itself does not unlock.
func (l *latch) setError(code string) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.errorHandler(code)
}
