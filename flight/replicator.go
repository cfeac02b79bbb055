// Package flight implements a Raft leader's per-follower log replicator:
// the long-lived state machine that pipelines AppendEntries/InstallSnapshot
// RPCs to one remote peer, preserves the ordering of their effects despite
// out-of-order completion, and falls back to snapshot transfer when the
// peer's log has diverged.
package flight

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/raftkit/flight/flighterrors"
)

// State is one of the replicator's four lifecycle states.
type State int

const (
	Probe State = iota
	Replicate
	Snapshot
	Destroyed
)

func (s State) String() string {
	switch s {
	case Probe:
		return "probe"
	case Replicate:
		return "replicate"
	case Snapshot:
		return "snapshot"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Options configures a Replicator at Start time.
type Options struct {
	GroupID  string
	ServerID string
	PeerID   string
	Endpoint string

	Term       uint64
	StartIndex uint64 // initial next_index, must be >= 1

	LogStore        LogStore
	BallotBox       BallotBox
	SnapshotStorage SnapshotStorage
	RPC             RPCService
	Timers          TimerManager
	Node            NodeController
	Logger          *zap.Logger
	Clock           clock.Clock

	MaxInflightMsgs  int
	MaxEntriesBatch  int
	MaxBodyBytes     int
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	RPCTimeout       time.Duration // AppendEntries transport deadline; 0 = none. InstallSnapshot is sent without one
}

func (o *Options) setDefaults() {
	if o.MaxInflightMsgs <= 0 {
		o.MaxInflightMsgs = 16
	}
	if o.MaxEntriesBatch <= 0 {
		o.MaxEntriesBatch = 64
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 500 * time.Millisecond
	}
	if o.ElectionTimeout <= 0 {
		o.ElectionTimeout = 1 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.StartIndex < 1 {
		o.StartIndex = 1
	}
}

// catchupWaiter is the single-occupancy catch-up closure slot of §4.7.
type catchupWaiter struct {
	maxMargin    uint64
	closure      func(code string)
	timer        TimerHandle
	errorWasSet  bool
	fired        bool
}

// Replicator is the per-follower state machine described by SPEC_FULL.md.
// Every field below is only mutated while the latch is held.
type Replicator struct {
	id ID

	opts Options

	nextIndex         uint64
	nextIndexAtomic   uint64 // lock-free mirror of nextIndex, see setNextIndex
	state             State
	hasSucceeded      bool
	consecutiveErrors int
	lastRPCSendTs     time.Time

	version         uint64
	reqSeq          int32
	requiredNextSeq int32

	timeoutNowIndex uint64

	catchup *catchupWaiter

	snapshotReader SnapshotReader

	inflights inflightQueue
	pending   reorderBuffer

	heartbeatTimer   TimerHandle
	blockTimer       TimerHandle
	heartbeatInFly   RPCHandle
	timeoutNowInFly  RPCHandle
	waitID           WaitID
	hasWaiter        bool

	mismatchAtFloor uint64 // counts the Open Question scenario of §9

	latch *latch

	registry *Registry

	metrics *Metrics

	done chan struct{}
}

// newReplicator constructs a Replicator in the initial Probe state. It
// does not start any timers or send any RPC — that is Start's job, done
// under the latch so the first probe and the registry insertion are
// atomic with respect to any other entry point.
func newReplicator(id ID, registry *Registry, opts Options) *Replicator {
	opts.setDefaults()
	r := &Replicator{
		id:       id,
		opts:     opts,
		state:    Probe,
		registry: registry,
		done:     make(chan struct{}),
	}
	r.setNextIndex(opts.StartIndex)
	r.metrics = newMetrics(opts.GroupID, opts.PeerID)
	r.latch = newLatch(r, r.onError)
	return r
}

// ID returns the replicator's registry identity token.
func (r *Replicator) ID() ID { return r.id }

// onError is the latch's error-callback handler (source §4.1, §7). It is
// invoked with the latch held and is responsible for releasing it on
// every path.
func (r *Replicator) onError(code string) {
	switch code {
	case flighterrors.ETimedOut:
		r.onHeartbeatTimeout()
	case flighterrors.EStop:
		r.onStop()
	default:
		// Unknown error codes are a fatal assertion per §7.
		r.opts.Logger.Panic("replicator: unknown latch error code", zap.String("code", code))
	}
}

// onHeartbeatTimeout fires a heartbeat and rearms the timer, then
// releases the latch. ETIMEDOUT is never fatal.
func (r *Replicator) onHeartbeatTimeout() {
	r.latch.unlock()
	r.sendHeartbeat(nil)
	if g := r.latch.lock(); g != nil {
		g.armHeartbeatTimer()
		g.latch.unlock()
	}
}

// onStop cancels every outstanding RPC and timer, removes any log-store
// waiter, notifies catch-up with ESTOP, and destroys the replicator. This
// is the terminal path into Destroyed.
func (r *Replicator) onStop() {
	r.destroy(flighterrors.EStop)
}

// destroy performs the Destroyed-state teardown described in §4.4 and
// releases the latch via unlockAndDestroy. notifyCode is delivered to any
// pending catch-up closure.
func (r *Replicator) destroy(notifyCode string) {
	if r.state == Destroyed {
		r.latch.unlock()
		return
	}
	r.state = Destroyed

	r.inflights.reset()
	r.pending.reset()

	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Cancel()
		r.heartbeatTimer = nil
	}
	if r.blockTimer != nil {
		r.blockTimer.Cancel()
		r.blockTimer = nil
	}
	if r.heartbeatInFly != nil {
		r.heartbeatInFly.Cancel()
		r.heartbeatInFly = nil
	}
	if r.timeoutNowInFly != nil {
		r.timeoutNowInFly.Cancel()
		r.timeoutNowInFly = nil
	}
	if r.hasWaiter {
		r.opts.LogStore.RemoveWaiter(r.waitID)
		r.hasWaiter = false
	}
	r.releaseSnapshotReader()
	r.notifyCatchUp(notifyCode)
	r.metrics.unregister()

	registry := r.registry
	id := r.id
	r.latch.unlockAndDestroy()
	close(r.done)

	if registry != nil {
		registry.remove(id)
	}
}

// releaseSnapshotReader guarantees the scoped-resource release called for
// in Design Note "Snapshot reader ownership".
func (r *Replicator) releaseSnapshotReader() {
	if r.snapshotReader != nil {
		_ = r.snapshotReader.Close()
		r.snapshotReader = nil
	}
}

// resetInflights implements §7's reset_inflights: bump the version,
// discard every outstanding sequence, and release the snapshot reader.
func (r *Replicator) resetInflights() {
	r.version++
	r.inflights.reset()
	r.pending.reset()
	if r.reqSeq > r.requiredNextSeq {
		r.requiredNextSeq = r.reqSeq
	} else {
		r.reqSeq = r.requiredNextSeq
	}
	r.releaseSnapshotReader()
}

// block arms the block timer for a heartbeat-timeout-long backoff; on
// fire it re-enters through the registry, takes the latch, and emits a
// probe (§4.6).
func (r *Replicator) block() {
	if r.blockTimer != nil {
		r.blockTimer.Cancel()
	}
	id := r.id
	registry := r.registry
	r.blockTimer = r.opts.Timers.Schedule(r.opts.HeartbeatTimeout, func() {
		registry.withReplicator(id, func(g *Replicator) {
			g2 := g.latch.lock()
			if g2 == nil {
				return
			}
			g2.blockTimer = nil
			g2.sendProbe()
			g2.latch.unlock()
		})
	})
}

// unblockAndSendNow cancels any outstanding block timer and immediately
// re-enters the entry pump, used when a hint of peer recovery arrives.
func (r *Replicator) unblockAndSendNow() {
	if r.blockTimer != nil {
		r.blockTimer.Cancel()
		r.blockTimer = nil
	}
	r.sendEntries()
}

// NextIndex returns the leader's current belief about this peer's next
// log index to send. Safe to call without the latch; backed by an atomic
// mirror kept in sync by setNextIndex.
func (r *Replicator) NextIndex() uint64 {
	return atomic.LoadUint64(&r.nextIndexAtomic)
}

// setNextIndex updates next_index and its lock-free mirror together.
// Must be called with the latch held.
func (r *Replicator) setNextIndex(v uint64) {
	r.nextIndex = v
	atomic.StoreUint64(&r.nextIndexAtomic, v)
}

// LastRPCSendTimestamp returns the monotonic time of the latest
// successful RPC.
func (r *Replicator) LastRPCSendTimestamp() time.Time {
	return r.lastRPCSendTs
}
