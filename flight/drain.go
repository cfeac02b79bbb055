package flight

import "go.uber.org/zap"

// deliverResponse is the entry point every RPC completion callback uses to
// hand a response back to the state machine (§4.3). It acquires the
// latch itself — callers must not hold it — checks the response's version
// against the replicator's current epoch, and then drains the reorder
// buffer in sequence order.
func (r *Replicator) deliverResponse(version uint64, resp rpcResponse) {
	g := r.latch.lock()
	if g == nil {
		return
	}

	if version != g.version {
		// Stale epoch: this RPC was in flight before a reset_inflights.
		g.latch.unlock()
		return
	}

	g.pending.push(resp)
	g.metrics.setInflightsCount(float64(g.inflights.len()))

	if g.pending.len() > g.opts.MaxInflightMsgs {
		g.resetInflights()
		g.state = Probe
		g.sendProbe()
		g.latch.unlock()
		return
	}

	if g.drainPending() {
		// A path inside drainPending already destroyed the replicator
		// and released the latch.
		return
	}

	if g.state == Replicate {
		g.sendEntries()
	}
	g.latch.unlock()
}

// drainPending implements the in-order delivery loop of §4.3. It returns
// true if the replicator was destroyed mid-drain, in which case the latch
// has already been released and the caller must not touch g again.
func (g *Replicator) drainPending() bool {
	for {
		min, ok := g.pending.peekMin()
		if !ok || min.Seq != g.requiredNextSeq {
			return false
		}
		g.pending.popMin()

		head, ok := g.inflights.front()
		if !ok || head.Seq != min.Seq {
			// Protocol-invariant violation (§4.3, §7).
			g.opts.Logger.Error("replicator: inflight/response sequence mismatch",
				zap.Int32("gotSeq", min.Seq))
			g.resetInflights()
			g.state = Probe
			g.block()
			return false
		}
		g.inflights.popFront()
		g.requiredNextSeq = nextSeq(g.requiredNextSeq)

		if destroyed := g.applyResponse(head, min); destroyed {
			return true
		}
	}
}

// applyResponse dispatches to the kind-specific response handler. It
// returns true if the response caused the replicator to be destroyed
// (higher-term step-down), in which case the latch has already been
// released by destroy().
func (g *Replicator) applyResponse(inflight Inflight, resp rpcResponse) bool {
	switch resp.RequestType {
	case RequestAppendEntries:
		return g.applyAppendEntriesResponse(inflight, resp.Result)
	case RequestInstallSnapshot:
		return g.applyInstallSnapshotResponse(inflight, resp.Result)
	default:
		return false
	}
}

// applyAppendEntriesResponse implements §4.4's mismatch handling and
// §4.5's success path for one drained AppendEntries response.
func (g *Replicator) applyAppendEntriesResponse(inflight Inflight, res *RPCResult) bool {
	if !res.OK {
		g.onTransportFailure()
		return false
	}

	resp := res.AppendEntriesResponse
	if resp.Term > g.opts.Term {
		g.stepDownHigherTerm(resp.Term)
		return true
	}

	if !resp.Success {
		g.handleAppendMismatch(resp)
		return false
	}

	req := res.AppendEntriesRequest
	if req == nil || inflight.StartIndex != req.PrevLogIndex+1 {
		g.resetInflights()
		g.state = Probe
		g.sendProbe()
		return false
	}

	if inflight.Count > 0 {
		g.opts.BallotBox.CommitAt(g.nextIndex, g.nextIndex+uint64(inflight.Count)-1, PeerID(g.opts.PeerID))
		g.setNextIndex(g.nextIndex + uint64(inflight.Count))
		g.metrics.observeReplicate(
			g.opts.Clock.Now().Sub(res.SendTimestamp).Seconds(),
			inflight.Count, inflight.SizeBytes)
	} else {
		g.state = Replicate
	}

	g.hasSucceeded = true
	g.lastRPCSendTs = g.opts.Clock.Now()
	g.consecutiveErrors = 0
	g.metrics.setNextIndex(float64(g.nextIndex))
	g.metrics.setLogLag(float64(g.opts.LogStore.LastIndex()) - float64(g.nextIndex-1))

	g.checkCatchUp()
	g.maybeSendTimeoutNow()
	return false
}

// handleAppendMismatch implements the equal-term failure branch of §4.4,
// including the next_index==1 Open Question resolution of §9: the source
// never actually decrements below the floor, so neither do we — we just
// count the occurrence and keep probing from the same index.
func (g *Replicator) handleAppendMismatch(resp *AppendEntriesResponse) {
	switch {
	case resp.LastLogIndex+1 < g.nextIndex:
		g.setNextIndex(resp.LastLogIndex + 1)
	case g.nextIndex <= 1:
		g.opts.Logger.Error("replicator: mismatch at next_index floor",
			zap.Uint64("nextIndex", g.nextIndex))
		g.mismatchAtFloor++
		g.metrics.mismatchAtFloor.Inc()
	default:
		g.setNextIndex(g.nextIndex - 1)
	}

	g.resetInflights()
	g.state = Probe
	g.sendProbe()
}

// applyInstallSnapshotResponse implements §4.4's Snapshot-state
// transitions.
func (g *Replicator) applyInstallSnapshotResponse(inflight Inflight, res *RPCResult) bool {
	if !res.OK {
		g.onTransportFailure()
		return false
	}

	resp := res.InstallSnapshotResponse
	if resp.Term > g.opts.Term {
		g.stepDownHigherTerm(resp.Term)
		return true
	}

	if !resp.Success {
		g.resetInflights()
		g.state = Probe
		g.block()
		return false
	}

	g.releaseSnapshotReader()
	g.setNextIndex(inflight.StartIndex)
	g.state = Replicate
	g.hasSucceeded = true
	g.lastRPCSendTs = g.opts.Clock.Now()
	g.consecutiveErrors = 0
	g.metrics.setNextIndex(float64(g.nextIndex))

	g.checkCatchUp()
	g.maybeSendTimeoutNow()
	return false
}

// maybeSendTimeoutNow implements the automatic-fire half of §4.8: a
// latched timeout_now_index that a later success has now cleared.
func (g *Replicator) maybeSendTimeoutNow() {
	if g.timeoutNowIndex > 0 && g.timeoutNowIndex < g.nextIndex {
		idx := g.timeoutNowIndex
		g.timeoutNowIndex = 0
		g.sendTimeoutNow(idx, 0, false)
	}
}
