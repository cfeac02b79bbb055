package flight

import "time"

// WaitID identifies an outstanding log-store waiter so it can be cancelled.
type WaitID uint64

// LogStore is the leader's local log, shared across all replicators.
// Implementations must be safe for concurrent use. TermOf returns 0 for a
// compacted or unknown index.
type LogStore interface {
	LastIndex() uint64
	FirstIndex() uint64
	TermOf(index uint64) uint64
	GetEntry(index uint64) (*LogEntry, bool)

	// Wait registers a one-shot callback fired once an entry lands after
	// afterIndex. It must not block the caller. RemoveWaiter cancels the
	// callback without firing it.
	Wait(afterIndex uint64, cb func()) WaitID
	RemoveWaiter(id WaitID)
}

// PeerID names a follower for ballot-box bookkeeping.
type PeerID string

// BallotBox tracks quorum commitment across peers on behalf of the leader.
type BallotBox interface {
	LastCommittedIndex() uint64
	CommitAt(start, end uint64, peer PeerID)
}

// SnapshotReader is a scoped resource: Close must be safe to call multiple
// times and is guaranteed to be called on every exit path out of the
// Snapshot state.
type SnapshotReader interface {
	Load() (*SnapshotMeta, bool)
	GenerateURIForCopy() (string, bool)
	Path() string
	Close() error
}

// SnapshotStorage opens the current snapshot for transfer to a follower.
type SnapshotStorage interface {
	Open() (SnapshotReader, bool)
}

// RPCResult carries the outcome of a completed RPC back to the replicator.
type RPCResult struct {
	// OK is false on transport failure (status.not_ok in the source
	// spec); the Response fields then carry no reply from the follower
	// (FakeTransport leaves them nil, HTTPTransport zero-valued).
	OK  bool
	Err error

	AppendEntriesRequest    *AppendEntriesRequest
	AppendEntriesResponse   *AppendEntriesResponse
	InstallSnapshotRequest  *InstallSnapshotRequest
	InstallSnapshotResponse *InstallSnapshotResponse
	TimeoutNowResponse      *TimeoutNowResponse

	SendTimestamp time.Time
}

// RPCHandle is a weak reference to a scheduled RPC; Cancel is best-effort.
type RPCHandle interface {
	Cancel()
}

// RPCService is the transport abstraction the replicator issues RPCs
// through. Submission must not block; the callback fires on a transport
// goroutine and is responsible for re-acquiring the replicator's latch.
type RPCService interface {
	Connect(endpoint string) bool
	AppendEntries(endpoint string, req *AppendEntriesRequest, timeout time.Duration, cb func(*RPCResult)) RPCHandle
	InstallSnapshot(endpoint string, req *InstallSnapshotRequest, cb func(*RPCResult)) RPCHandle
	TimeoutNow(endpoint string, req *TimeoutNowRequest, timeout time.Duration, cb func(*RPCResult)) RPCHandle
}

// TimerHandle is a weak reference to a scheduled timer task.
type TimerHandle interface {
	Cancel() bool
}

// TimerManager schedules delayed callbacks for heartbeats, backoff, and
// catch-up timeouts.
type TimerManager interface {
	Schedule(delay time.Duration, task func()) TimerHandle
}

// NodeController is the replicator's view of the owning node: where it
// reports higher-term step-downs.
type NodeController interface {
	StepDown(term uint64)
}
