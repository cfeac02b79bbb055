package flight

import "go.uber.org/zap"

// sendProbe emits a zero-entry AppendEntries to discover or re-confirm the
// follower's match index. Used on Start and on every re-probe after a
// mismatch or transport failure (§4.4). Must be called with the latch
// held; it does not release it.
func (r *Replicator) sendProbe() {
	prevLogIndex := r.nextIndex - 1
	prevLogTerm := r.opts.LogStore.TermOf(prevLogIndex)
	if prevLogTerm == 0 && prevLogIndex != 0 {
		r.beginSnapshot()
		return
	}

	req := &AppendEntriesRequest{
		Term:           r.opts.Term,
		GroupID:        r.opts.GroupID,
		ServerID:       r.opts.ServerID,
		PeerID:         r.opts.PeerID,
		PrevLogIndex:   prevLogIndex,
		PrevLogTerm:    prevLogTerm,
		CommittedIndex: r.opts.BallotBox.LastCommittedIndex(),
	}
	r.issueAppendEntries(req, r.nextIndex, 0)
}

// sendEntries is the entry pump of §4.5. It loops, pipelining
// entry-bearing AppendEntries requests until next_send_index stops
// advancing, and must be called with the latch held throughout — req_seq
// assignment and the inflights append have to be atomic with RPC
// submission.
func (r *Replicator) sendEntries() {
	if r.state != Replicate {
		return
	}
	for {
		nextSendIndex, ok := r.computeNextSendIndex()
		if !ok {
			return
		}

		prevLogIndex := nextSendIndex - 1
		prevLogTerm := r.opts.LogStore.TermOf(prevLogIndex)
		if prevLogTerm == 0 && prevLogIndex != 0 {
			r.beginSnapshot()
			return
		}

		entries, batchBytes := r.collectBatch(nextSendIndex)
		if len(entries) == 0 {
			if nextSendIndex < r.opts.LogStore.FirstIndex() {
				r.beginSnapshot()
				return
			}
			r.registerWaiter(nextSendIndex - 1)
			return
		}

		metas, data := encodeEntries(entries)
		req := &AppendEntriesRequest{
			Term:           r.opts.Term,
			GroupID:        r.opts.GroupID,
			ServerID:       r.opts.ServerID,
			PeerID:         r.opts.PeerID,
			PrevLogIndex:   prevLogIndex,
			PrevLogTerm:    prevLogTerm,
			CommittedIndex: r.opts.BallotBox.LastCommittedIndex(),
			EntryMetas:     metas,
			Data:           data,
		}
		r.issueAppendEntries(req, nextSendIndex, batchBytes)
	}
}

// computeNextSendIndex implements the admission rules of §4.2. ok is
// false when the pump must stop for this pass.
func (r *Replicator) computeNextSendIndex() (uint64, bool) {
	if r.inflights.len() >= r.opts.MaxInflightMsgs {
		return 0, false
	}
	tail, hasTail := r.inflights.back()
	if !hasTail {
		return r.nextIndex, true
	}
	if tail.RequestType != RequestAppendEntries || tail.Count == 0 {
		return 0, false
	}
	return tail.StartIndex + uint64(tail.Count), true
}

// collectBatch fills up to MaxEntriesBatch entries starting at
// startIndex, stopping early at MaxBodyBytes or the first missing entry.
func (r *Replicator) collectBatch(startIndex uint64) ([]*LogEntry, int) {
	entries := make([]*LogEntry, 0, r.opts.MaxEntriesBatch)
	size := 0
	for i := 0; i < r.opts.MaxEntriesBatch; i++ {
		entry, ok := r.opts.LogStore.GetEntry(startIndex + uint64(i))
		if !ok {
			break
		}
		if size > 0 && size+len(entry.Data) > r.opts.MaxBodyBytes {
			break
		}
		entries = append(entries, entry)
		size += len(entry.Data)
	}
	return entries, size
}

// registerWaiter installs a one-shot log-store waiter that re-enters the
// pump once new entries land past afterIndex (§4.5 step 4).
func (r *Replicator) registerWaiter(afterIndex uint64) {
	if r.hasWaiter {
		r.opts.LogStore.RemoveWaiter(r.waitID)
	}
	id := r.id
	registry := r.registry
	r.waitID = r.opts.LogStore.Wait(afterIndex, func() {
		registry.withReplicator(id, func(g *Replicator) {
			g2 := g.latch.lock()
			if g2 == nil {
				return
			}
			g2.hasWaiter = false
			g2.sendEntries()
			g2.latch.unlock()
		})
	})
	r.hasWaiter = true
}

// issueAppendEntries assigns the next sequence number, appends the
// Inflight record, and submits the RPC. startIndex is always
// req.PrevLogIndex+1; batchBytes is 0 for a probe (count 0).
func (r *Replicator) issueAppendEntries(req *AppendEntriesRequest, startIndex uint64, batchBytes int) {
	seq := r.reqSeq
	r.reqSeq = nextSeq(r.reqSeq)
	count := len(req.EntryMetas)

	id := r.id
	registry := r.registry
	version := r.version
	sendTs := r.opts.Clock.Now()

	handle := r.opts.RPC.AppendEntries(r.opts.Endpoint, req, r.opts.RPCTimeout, func(res *RPCResult) {
		res.SendTimestamp = sendTs
		registry.withReplicator(id, func(g *Replicator) {
			g.deliverResponse(version, rpcResponse{
				Seq:         seq,
				RequestType: RequestAppendEntries,
				Result:      res,
				SendTs:      sendTs.UnixNano(),
			})
		})
	})

	r.inflights.push(Inflight{
		Seq:         seq,
		RequestType: RequestAppendEntries,
		StartIndex:  startIndex,
		Count:       count,
		SizeBytes:   batchBytes,
		Handle:      handle,
	})
	r.metrics.appendEntriesTimes.Inc()
	r.metrics.setInflightsCount(float64(r.inflights.len()))
}

// beginSnapshot opens the current snapshot and issues InstallSnapshot,
// per §4.4's Probe→Snapshot transition and §4.5 step 4's fallback. The
// snapshot RPC occupies the inflight tail alone; no further pipelining
// happens while it is outstanding.
func (r *Replicator) beginSnapshot() {
	reader, ok := r.opts.SnapshotStorage.Open()
	if !ok {
		r.opts.Logger.Error("replicator: snapshot storage open failed",
			zap.String("peer", r.opts.PeerID))
		r.resetInflights()
		r.state = Probe
		r.block()
		return
	}
	meta, ok := reader.Load()
	if !ok {
		_ = reader.Close()
		r.opts.Logger.Error("replicator: snapshot metadata load failed",
			zap.String("peer", r.opts.PeerID))
		r.resetInflights()
		r.state = Probe
		r.block()
		return
	}
	uri, ok := reader.GenerateURIForCopy()
	if !ok {
		_ = reader.Close()
		r.opts.Logger.Error("replicator: snapshot uri generation failed",
			zap.String("peer", r.opts.PeerID))
		r.resetInflights()
		r.state = Probe
		r.block()
		return
	}

	r.releaseSnapshotReader()
	r.snapshotReader = reader
	r.state = Snapshot

	req := &InstallSnapshotRequest{
		Term:     r.opts.Term,
		GroupID:  r.opts.GroupID,
		ServerID: r.opts.ServerID,
		PeerID:   r.opts.PeerID,
		Meta:     *meta,
		URI:      uri,
	}

	seq := r.reqSeq
	r.reqSeq = nextSeq(r.reqSeq)

	id := r.id
	registry := r.registry
	version := r.version
	sendTs := r.opts.Clock.Now()

	handle := r.opts.RPC.InstallSnapshot(r.opts.Endpoint, req, func(res *RPCResult) {
		res.SendTimestamp = sendTs
		registry.withReplicator(id, func(g *Replicator) {
			g.deliverResponse(version, rpcResponse{
				Seq:         seq,
				RequestType: RequestInstallSnapshot,
				Result:      res,
				SendTs:      sendTs.UnixNano(),
			})
		})
	})

	r.inflights.push(Inflight{
		Seq:         seq,
		RequestType: RequestInstallSnapshot,
		StartIndex:  meta.LastIncludedIndex + 1,
		Count:       0,
		Handle:      handle,
	})
	r.metrics.installSnapshotTimes.Inc()
	r.metrics.setInflightsCount(float64(r.inflights.len()))
}
