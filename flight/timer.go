package flight

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// WheelTimerManager schedules one goroutine per outstanding timer on top
// of an injectable clock.Clock, the way the teacher's raft.Log.Clock
// field lets tests substitute a mock clock for deterministic advancement.
type WheelTimerManager struct {
	clock clock.Clock
}

// NewWheelTimerManager returns a TimerManager backed by c. A nil c uses
// the real wall clock.
func NewWheelTimerManager(c clock.Clock) *WheelTimerManager {
	if c == nil {
		c = clock.New()
	}
	return &WheelTimerManager{clock: c}
}

// wheelTimerHandle wraps a clock.Timer with a guard against a task firing
// after Cancel has already returned true, and against double-stop.
type wheelTimerHandle struct {
	mu        sync.Mutex
	timer     *clock.Timer
	cancelled bool
}

func (h *wheelTimerHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	return h.timer.Stop()
}

func (h *wheelTimerHandle) fire(task func()) {
	h.mu.Lock()
	fired := !h.cancelled
	h.mu.Unlock()
	if fired {
		task()
	}
}

// Schedule arms task to run after delay on its own goroutine.
func (t *WheelTimerManager) Schedule(delay time.Duration, task func()) TimerHandle {
	h := &wheelTimerHandle{}
	h.timer = t.clock.AfterFunc(delay, func() { h.fire(task) })
	return h
}
