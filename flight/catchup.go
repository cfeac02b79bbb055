package flight

import (
	"time"

	"github.com/raftkit/flight/flighterrors"
)

// waitForCaughtUp implements §4.7. It must not be called with the latch
// held — it acquires it itself.
func (r *Replicator) waitForCaughtUp(maxMargin uint64, timeout time.Duration, closure func(code string)) error {
	g := r.latch.lock()
	if g == nil {
		return flighterrors.NewError(
			flighterrors.WithErrorCode(flighterrors.ENotFound),
			flighterrors.WithErrorOp("WaitForCaughtUp"))
	}

	if g.catchup != nil {
		g.latch.unlock()
		return flighterrors.NewError(
			flighterrors.WithErrorCode(flighterrors.EInvalid),
			flighterrors.WithErrorOp("WaitForCaughtUp"),
			flighterrors.WithErrorMsg("a catch-up wait is already outstanding"))
	}

	w := &catchupWaiter{maxMargin: maxMargin, closure: closure}
	g.catchup = w
	if timeout > 0 {
		g.armCatchUpTimer(w, timeout)
	}
	g.checkCatchUp()
	g.latch.unlock()
	return nil
}

// armCatchUpTimer schedules onCatchUpTimedOut for w. It re-enters through
// the registry directly rather than through the latch's error callback,
// since ETimedOut there is already claimed by the heartbeat timer (see
// DESIGN.md).
func (r *Replicator) armCatchUpTimer(w *catchupWaiter, timeout time.Duration) {
	id := r.id
	registry := r.registry
	w.timer = r.opts.Timers.Schedule(timeout, func() {
		registry.withReplicator(id, func(g *Replicator) {
			g2 := g.latch.lock()
			if g2 == nil {
				return
			}
			g2.onCatchUpTimedOut(w)
			g2.latch.unlock()
		})
	})
}

// onCatchUpTimedOut fires the ETimedOut failure path for w, unless it has
// already been superseded (a new wait installed) or already fired on the
// success path.
func (r *Replicator) onCatchUpTimedOut(w *catchupWaiter) {
	if r.catchup != w {
		return
	}
	r.deliverCatchUp(flighterrors.ETimedOut)
}

// checkCatchUp fires the success path if the outstanding wait's margin is
// already satisfied. Called after every successful replication or
// snapshot-install progress, and once right after install so an
// already-caught-up peer doesn't wait for the next RPC. Must be called
// with the latch held.
func (r *Replicator) checkCatchUp() {
	w := r.catchup
	if w == nil {
		return
	}
	lastIndex := r.opts.LogStore.LastIndex()
	if r.nextIndex-1+w.maxMargin >= lastIndex {
		r.deliverCatchUp("")
	}
}

// notifyCatchUp fires the failure path used by destroy() (ESTOP, EPERM)
// for any outstanding wait. A no-op if nothing is waiting.
func (r *Replicator) notifyCatchUp(code string) {
	if r.catchup == nil {
		return
	}
	r.deliverCatchUp(code)
}

// deliverCatchUp implements the race described in §4.7: the timer and the
// success path both reach this method under the latch (single-writer), so
// there is no true data race, but a timer may already be mid-fire on
// another goroutine after a best-effort Cancel failed. errorWasSet
// records which path won so a delayed timer firing silently no-ops via
// the r.catchup != w identity check in onCatchUpTimedOut, and a delayed
// success check can't double-fire a timer-delivered closure either, since
// r.catchup is cleared here before either path's closure runs.
func (r *Replicator) deliverCatchUp(code string) {
	w := r.catchup
	if w == nil || w.fired {
		return
	}
	w.fired = true
	w.errorWasSet = code != ""
	r.catchup = nil
	if w.timer != nil {
		w.timer.Cancel()
	}
	closure := w.closure
	go closure(code)
}
