package flight

import (
	"sync"
	"time"

	"github.com/raftkit/flight/flighterrors"
)

func errUnknownPeer(endpoint string) error {
	return flighterrors.NewError(
		flighterrors.WithErrorCode(flighterrors.ENotFound),
		flighterrors.WithErrorOp("FakeTransport"),
		flighterrors.WithErrorMsg("no peer registered at "+endpoint))
}

// FakeTransport is an in-memory RPCService wired directly to a table of
// FollowerFSMs keyed by endpoint, for deterministic tests and the demo
// command without sockets (§4.10).
type FakeTransport struct {
	mu    sync.RWMutex
	peers map[string]FollowerFSM
}

// NewFakeTransport returns an empty FakeTransport; register peers with
// Register before issuing RPCs against them.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{peers: make(map[string]FollowerFSM)}
}

// Register wires endpoint to fsm. Safe to call concurrently with RPCs in
// flight to other endpoints.
func (t *FakeTransport) Register(endpoint string, fsm FollowerFSM) {
	t.mu.Lock()
	t.peers[endpoint] = fsm
	t.mu.Unlock()
}

func (t *FakeTransport) lookup(endpoint string) (FollowerFSM, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fsm, ok := t.peers[endpoint]
	return fsm, ok
}

func (t *FakeTransport) Connect(endpoint string) bool {
	_, ok := t.lookup(endpoint)
	return ok
}

// dispatch runs fn on its own goroutine and delivers its RPCResult to cb,
// mirroring HTTPTransport's asynchronous completion model so
// state-machine code doesn't need to special-case which transport it's
// driving. There is no way to abort fn once it's running in-memory, so
// the returned handle's Cancel is a pure no-op: it neither blocks nor
// suppresses the callback, matching the best-effort contract every
// caller (inflightQueue.reset in particular) relies on.
func dispatch(cb func(*RPCResult), fn func() *RPCResult) RPCHandle {
	go cb(fn())
	return cancelFunc(func() {})
}

func (t *FakeTransport) AppendEntries(endpoint string, req *AppendEntriesRequest, timeout time.Duration, cb func(*RPCResult)) RPCHandle {
	return dispatch(cb, func() *RPCResult {
		fsm, ok := t.lookup(endpoint)
		if !ok {
			return &RPCResult{OK: false, Err: errUnknownPeer(endpoint)}
		}
		return &RPCResult{
			OK:                    true,
			AppendEntriesRequest:  req,
			AppendEntriesResponse: fsm.HandleAppendEntries(req),
		}
	})
}

func (t *FakeTransport) InstallSnapshot(endpoint string, req *InstallSnapshotRequest, cb func(*RPCResult)) RPCHandle {
	return dispatch(cb, func() *RPCResult {
		fsm, ok := t.lookup(endpoint)
		if !ok {
			return &RPCResult{OK: false, Err: errUnknownPeer(endpoint)}
		}
		return &RPCResult{
			OK:                      true,
			InstallSnapshotRequest:  req,
			InstallSnapshotResponse: fsm.HandleInstallSnapshot(req),
		}
	})
}

func (t *FakeTransport) TimeoutNow(endpoint string, req *TimeoutNowRequest, timeout time.Duration, cb func(*RPCResult)) RPCHandle {
	return dispatch(cb, func() *RPCResult {
		fsm, ok := t.lookup(endpoint)
		if !ok {
			return &RPCResult{OK: false, Err: errUnknownPeer(endpoint)}
		}
		return &RPCResult{
			OK:                 true,
			TimeoutNowResponse: fsm.HandleTimeoutNow(req),
		}
	})
}
