package flight

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/raftkit/flight/flighterrors"
)

// ID is an opaque capability handle returned by Start. It replaces the
// source's pattern of looking replicators up by a global static table
// keyed on (group, peer) and re-locking on every callback: holders pass
// the ID back into Registry methods, which do the lookup-and-guard in one
// place and fail cleanly once the replicator behind it has been removed.
type ID uint64

// Registry owns the set of live replicators for one process. A single
// Registry is normally shared by every replicator a leader drives, one
// per remote peer.
type Registry struct {
	mu    sync.RWMutex
	next  uint64
	items map[ID]*Replicator
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[ID]*Replicator)}
}

// Start constructs, registers, and arms a new replicator for one remote
// peer. The returned bool is false if opts failed validation or the
// endpoint could not be connected.
func (reg *Registry) Start(opts Options) (ID, bool) {
	if opts.LogStore == nil || opts.BallotBox == nil || opts.RPC == nil || opts.Timers == nil {
		return 0, false
	}

	if !opts.RPC.Connect(opts.Endpoint) {
		return 0, false
	}

	id := ID(atomic.AddUint64(&reg.next, 1))
	r := newReplicator(id, reg, opts)

	reg.mu.Lock()
	reg.items[id] = r
	reg.mu.Unlock()

	g := r.latch.lock()
	if g == nil {
		return id, false
	}
	g.armHeartbeatTimer()
	g.sendProbe()
	g.latch.unlock()

	return id, true
}

// peek returns the replicator behind id without synchronizing on its
// latch; callers that touch its state take the latch themselves. It
// returns nil once id has been removed.
func (reg *Registry) peek(id ID) *Replicator {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.items[id]
}

// remove drops id from the registry. Called once, from destroy, after the
// latch has already been marked destroyed.
func (reg *Registry) remove(id ID) {
	reg.mu.Lock()
	delete(reg.items, id)
	reg.mu.Unlock()
}

// withReplicator looks up id and, if it is still live, invokes fn. fn is
// responsible for its own latch discipline — withReplicator only performs
// the lookup, mirroring the "find by token, then lock" two-step every
// entry point in this package uses.
func (reg *Registry) withReplicator(id ID, fn func(*Replicator)) {
	r := reg.peek(id)
	if r == nil {
		return
	}
	fn(r)
}

// withLatchError looks up id and, if still live, delivers code through its
// latch's error callback. This is the registry-mediated equivalent of the
// source's "post a message to the replicator's token" entry point, used by
// the heartbeat timer and by Stop. The catch-up and block timers re-enter
// through withReplicator instead.
func (reg *Registry) withLatchError(id ID, code string) {
	r := reg.peek(id)
	if r == nil {
		return
	}
	r.latch.setError(code)
}

// Stop tears down the replicator behind id. It is idempotent: calling it
// on an unknown or already-destroyed id is a no-op.
func (reg *Registry) Stop(id ID) {
	reg.withLatchError(id, flighterrors.EStop)
}

// Join blocks until the replicator behind id has finished destruction. An
// unknown id returns immediately.
func (reg *Registry) Join(id ID) {
	r := reg.peek(id)
	if r == nil {
		return
	}
	<-r.done
}

// NextIndex returns the current next_index belief for id, or 0 if id is
// unknown. Safe to call from any goroutine.
func (reg *Registry) NextIndex(id ID) uint64 {
	r := reg.peek(id)
	if r == nil {
		return 0
	}
	return r.NextIndex()
}

// LastRPCSendTimestamp returns the zero Time if id is unknown.
func (reg *Registry) LastRPCSendTimestamp(id ID) time.Time {
	r := reg.peek(id)
	if r == nil {
		return time.Time{}
	}
	return r.LastRPCSendTimestamp()
}

// UnblockAndSendNow cancels any backoff in effect for id and resumes the
// entry pump immediately.
func (reg *Registry) UnblockAndSendNow(id ID) {
	reg.withReplicator(id, func(g *Replicator) {
		g2 := g.latch.lock()
		if g2 == nil {
			return
		}
		g2.unblockAndSendNow()
		g2.latch.unlock()
	})
}

// SendHeartbeat issues an out-of-band heartbeat for id, invoking closure
// with the outcome once the RPC completes. closure may be nil.
func (reg *Registry) SendHeartbeat(id ID, closure func(ok bool)) {
	reg.withReplicator(id, func(g *Replicator) {
		g2 := g.latch.lock()
		if g2 == nil {
			return
		}
		g2.latch.unlock()
		g2.sendHeartbeat(closure)
	})
}

// WaitForCaughtUp registers a one-shot catch-up closure for id, per §4.7.
// It returns flighterrors.ENotFound if id is unknown and flighterrors.
// EInvalid if a wait is already registered.
func (reg *Registry) WaitForCaughtUp(id ID, maxMargin uint64, timeout time.Duration, closure func(code string)) error {
	r := reg.peek(id)
	if r == nil {
		return flighterrors.NewError(
			flighterrors.WithErrorCode(flighterrors.ENotFound),
			flighterrors.WithErrorOp("WaitForCaughtUp"))
	}
	return r.waitForCaughtUp(maxMargin, timeout, closure)
}

// TransferLeadership arms id's leadership-transfer watch per §4.8.
func (reg *Registry) TransferLeadership(id ID, targetIndex uint64) error {
	r := reg.peek(id)
	if r == nil {
		return flighterrors.NewError(
			flighterrors.WithErrorCode(flighterrors.ENotFound),
			flighterrors.WithErrorOp("TransferLeadership"))
	}
	return r.transferLeadership(targetIndex)
}

// StopTransferLeadership clears any pending leadership-transfer watch.
func (reg *Registry) StopTransferLeadership(id ID) {
	reg.withReplicator(id, func(g *Replicator) {
		g2 := g.latch.lock()
		if g2 == nil {
			return
		}
		g2.stopTransferLeadership()
		g2.latch.unlock()
	})
}

// SendTimeoutNowAndStop sends a TimeoutNow with timeout and destroys the
// replicator once the RPC completes, per §4.8.
func (reg *Registry) SendTimeoutNowAndStop(id ID, timeout time.Duration) error {
	r := reg.peek(id)
	if r == nil {
		return flighterrors.NewError(
			flighterrors.WithErrorCode(flighterrors.ENotFound),
			flighterrors.WithErrorOp("SendTimeoutNowAndStop"))
	}
	return r.sendTimeoutNowAndStop(timeout)
}
