package flight

import (
	"time"

	"github.com/raftkit/flight/flighterrors"
)

// transferLeadership implements §4.8. Must not be called with the latch
// held.
func (r *Replicator) transferLeadership(logIndex uint64) error {
	g := r.latch.lock()
	if g == nil {
		return flighterrors.NewError(
			flighterrors.WithErrorCode(flighterrors.ENotFound),
			flighterrors.WithErrorOp("TransferLeadership"))
	}

	if g.hasSucceeded && g.nextIndex > logIndex {
		g.sendTimeoutNow(logIndex, 0, false)
		g.latch.unlock()
		return nil
	}

	g.timeoutNowIndex = logIndex
	g.latch.unlock()
	return nil
}

// stopTransferLeadership clears any latched timeout_now_index. Must be
// called with the latch held.
func (r *Replicator) stopTransferLeadership() {
	r.timeoutNowIndex = 0
}

// sendTimeoutNowAndStop implements the "stop-after-finish" half of §4.8:
// a short RPC timeout, a TimeoutNow send, and unconditional destruction
// once the RPC completes (success or failure). Must not be called with
// the latch held.
func (r *Replicator) sendTimeoutNowAndStop(timeout time.Duration) error {
	g := r.latch.lock()
	if g == nil {
		return flighterrors.NewError(
			flighterrors.WithErrorCode(flighterrors.ENotFound),
			flighterrors.WithErrorOp("SendTimeoutNowAndStop"))
	}
	g.sendTimeoutNow(0, timeout, true)
	g.latch.unlock()
	return nil
}

// sendTimeoutNow issues the RPC itself. logIndex is not sent or
// recorded; stopAfter selects the sendTimeoutNowAndStop behavior of
// destroying the replicator once the RPC completes regardless of outcome.
// Must be called with the latch held; does not release it.
func (r *Replicator) sendTimeoutNow(logIndex uint64, timeout time.Duration, stopAfter bool) {
	if r.timeoutNowInFly != nil {
		r.timeoutNowInFly.Cancel()
	}

	req := &TimeoutNowRequest{
		Term:     r.opts.Term,
		GroupID:  r.opts.GroupID,
		ServerID: r.opts.ServerID,
		PeerID:   r.opts.PeerID,
	}

	id := r.id
	registry := r.registry
	handle := r.opts.RPC.TimeoutNow(r.opts.Endpoint, req, timeout, func(res *RPCResult) {
		registry.withReplicator(id, func(g *Replicator) {
			g.handleTimeoutNowResult(res, stopAfter)
		})
	})
	r.timeoutNowInFly = handle
}

// handleTimeoutNowResult applies a TimeoutNow completion. It is not
// sequenced with the entry pipeline — like heartbeats, it bypasses the
// reorder buffer entirely.
func (r *Replicator) handleTimeoutNowResult(res *RPCResult, stopAfter bool) {
	g := r.latch.lock()
	if g == nil {
		return
	}
	g.timeoutNowInFly = nil

	if stopAfter {
		g.destroy(flighterrors.EStop)
		return
	}

	if !res.OK {
		g.latch.unlock()
		return
	}
	resp := res.TimeoutNowResponse
	if resp.Term > g.opts.Term {
		g.stepDownHigherTerm(resp.Term)
		return
	}
	g.latch.unlock()
}
