package flight

import (
	"go.uber.org/zap"

	"github.com/raftkit/flight/flighterrors"
)

// armHeartbeatTimer schedules the latch's ETimedOut error for
// now+HeartbeatTimeout (§4.6). Re-arming replaces any prior token.
func (r *Replicator) armHeartbeatTimer() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Cancel()
	}
	id := r.id
	registry := r.registry
	r.heartbeatTimer = r.opts.Timers.Schedule(r.opts.HeartbeatTimeout, func() {
		registry.withLatchError(id, flighterrors.ETimedOut)
	})
}

// sendHeartbeat issues a zero-entry AppendEntries with the
// election-timeout/2 deadline described in §4.6 and §5. If closure is
// non-nil it is invoked with whether the heartbeat succeeded once the RPC
// completes, dispatched off the transport goroutine. It must not be called with the
// latch held — it acquires it itself, the way waitForCaughtUp does,
// keeping the request build, the (non-blocking) RPC submission, and the
// heartbeatInFly assignment inside one critical section so it can never
// race handleHeartbeatResult's or destroy's latched writes to the same
// field.
func (r *Replicator) sendHeartbeat(closure func(ok bool)) {
	g := r.latch.lock()
	if g == nil {
		if closure != nil {
			closure(false)
		}
		return
	}

	req := &AppendEntriesRequest{
		Term:           g.opts.Term,
		GroupID:        g.opts.GroupID,
		ServerID:       g.opts.ServerID,
		PeerID:         g.opts.PeerID,
		PrevLogIndex:   g.nextIndex - 1,
		PrevLogTerm:    g.opts.LogStore.TermOf(g.nextIndex - 1),
		CommittedIndex: g.opts.BallotBox.LastCommittedIndex(),
	}

	deadline := g.opts.ElectionTimeout / 2
	id := g.id
	registry := g.registry
	handle := g.opts.RPC.AppendEntries(g.opts.Endpoint, req, deadline, func(res *RPCResult) {
		ok := false
		registry.withReplicator(id, func(g2 *Replicator) {
			ok = g2.handleHeartbeatResult(req, res)
		})
		if closure != nil {
			go closure(ok)
		}
	})

	g.heartbeatInFly = handle
	g.metrics.heartbeatTimes.Inc()
	g.latch.unlock()
}

// handleHeartbeatResult applies a heartbeat completion. Heartbeat
// responses never advance next_index and are not sequenced with the
// entry pipeline (§5); they only detect failure/backoff and higher-term
// step-down.
func (r *Replicator) handleHeartbeatResult(req *AppendEntriesRequest, res *RPCResult) bool {
	g := r.latch.lock()
	if g == nil {
		return false
	}

	g.heartbeatInFly = nil

	if !res.OK {
		g.onTransportFailure()
		g.latch.unlock()
		return false
	}

	resp := res.AppendEntriesResponse
	if resp.Term > g.opts.Term {
		g.stepDownHigherTerm(resp.Term)
		return false
	}

	if !resp.Success {
		// Equal-term heartbeat failure still carries log-mismatch
		// information, but heartbeats don't drive next_index; just
		// note it for backoff bookkeeping.
		g.consecutiveErrors++
		g.latch.unlock()
		return false
	}

	g.hasSucceeded = true
	g.lastRPCSendTs = g.opts.Clock.Now()
	g.consecutiveErrors = 0
	g.latch.unlock()
	return true
}

// onTransportFailure implements the "transport failure" row of §7: reset
// inflights, move to Probe, block, and log a warning every 10th
// consecutive failure.
func (r *Replicator) onTransportFailure() {
	r.consecutiveErrors++
	if r.consecutiveErrors%10 == 1 {
		r.opts.Logger.Warn("replicator: rpc transport failure",
			zap.String("peer", r.opts.PeerID),
			zap.Int("consecutiveErrors", r.consecutiveErrors))
	}
	r.resetInflights()
	r.state = Probe
	r.block()
}

// stepDownHigherTerm implements the higher-term handling shared by every
// RPC kind (§4.4, §7): notify catch-up with EPERM, destroy, then inform
// the node to step down.
func (r *Replicator) stepDownHigherTerm(term uint64) {
	node := r.opts.Node
	r.destroy(flighterrors.EPerm)
	if node != nil {
		node.StepDown(term)
	}
}
