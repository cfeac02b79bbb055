package flight

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
)

// gatedFollower is a FollowerFSM whose response to each distinct
// PrevLogIndex can be armed ahead of time and optionally held behind a
// gate channel, letting tests dictate the arrival order of concurrently
// dispatched RPC completions instead of relying on goroutine scheduling.
type gatedFollower struct {
	mu    sync.Mutex
	gates map[uint64]chan struct{}
	resp  map[uint64]*AppendEntriesResponse
	err   map[uint64]bool

	snapResp    *InstallSnapshotResponse
	timeoutResp *TimeoutNowResponse

	appendCalls  []*AppendEntriesRequest
	installCalls []*InstallSnapshotRequest
	timeoutCalls []*TimeoutNowRequest
}

func newGatedFollower() *gatedFollower {
	return &gatedFollower{
		gates: make(map[uint64]chan struct{}),
		resp:  make(map[uint64]*AppendEntriesResponse),
		err:   make(map[uint64]bool),
	}
}

// arm registers resp for the request whose PrevLogIndex is prevLogIndex. If
// gate is non-nil, HandleAppendEntries blocks until it is closed before
// returning resp.
func (f *gatedFollower) arm(prevLogIndex uint64, gate chan struct{}, resp *AppendEntriesResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gate != nil {
		f.gates[prevLogIndex] = gate
	}
	f.resp[prevLogIndex] = resp
}

func (f *gatedFollower) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	f.mu.Lock()
	f.appendCalls = append(f.appendCalls, req)
	gate := f.gates[req.PrevLogIndex]
	resp := f.resp[req.PrevLogIndex]
	delete(f.gates, req.PrevLogIndex) // each arm is single-use
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if resp != nil {
		return resp
	}
	return &AppendEntriesResponse{
		Success:      true,
		LastLogIndex: req.PrevLogIndex + uint64(len(req.EntryMetas)),
	}
}

// callsFor reports how many times HandleAppendEntries has been invoked
// with the given PrevLogIndex so far.
func (f *gatedFollower) callsFor(prevLogIndex uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.appendCalls {
		if req.PrevLogIndex == prevLogIndex {
			n++
		}
	}
	return n
}

func (f *gatedFollower) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	f.mu.Lock()
	f.installCalls = append(f.installCalls, req)
	resp := f.snapResp
	f.mu.Unlock()
	if resp != nil {
		return resp
	}
	return &InstallSnapshotResponse{Success: true}
}

func (f *gatedFollower) HandleTimeoutNow(req *TimeoutNowRequest) *TimeoutNowResponse {
	f.mu.Lock()
	f.timeoutCalls = append(f.timeoutCalls, req)
	resp := f.timeoutResp
	f.mu.Unlock()
	if resp != nil {
		return resp
	}
	return &TimeoutNowResponse{Success: true}
}

func (f *gatedFollower) timeoutNowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timeoutCalls)
}

// stubNode is a NodeController recording the last step-down it observed.
type stubNode struct {
	mu    sync.Mutex
	term  uint64
	calls int
}

func (n *stubNode) StepDown(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.term = term
	n.calls++
}

func (n *stubNode) stepDowns() (uint64, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term, n.calls
}

// harness bundles one replicator's collaborators for the scenario tests in
// scenarios_test.go and the invariant tests in properties_test.go.
type harness struct {
	registry  *Registry
	id        ID
	transport *FakeTransport
	follower  *gatedFollower
	logStore  *MemoryLogStore
	ballots   *MemoryBallotBox
	node      *stubNode
	snapshots *MemorySnapshotStorage
	clock     *clock.Mock
}

// newUnstartedHarness builds one replicator's collaborators without
// starting it, so a test can pre-populate the log store or snapshot
// storage before the replicator's first probe ever inspects them.
func newUnstartedHarness() *harness {
	h := &harness{
		registry:  NewRegistry(),
		transport: NewFakeTransport(),
		follower:  newGatedFollower(),
		logStore:  NewMemoryLogStore(),
		ballots:   NewMemoryBallotBox(),
		node:      &stubNode{},
		snapshots: NewMemorySnapshotStorage(),
		clock:     clock.NewMock(),
	}
	h.transport.Register("peer", h.follower)
	return h
}

// start begins replication with the given option overrides applied after
// the defaults. The heartbeat and election timeouts default to values long
// enough that no timer fires during a test unless it advances h.clock.
func (h *harness) start(t *testing.T, configure func(*Options)) {
	opts := Options{
		GroupID:          "grp",
		ServerID:         "leader",
		PeerID:           "peer",
		Endpoint:         "peer",
		StartIndex:       1,
		LogStore:         h.logStore,
		BallotBox:        h.ballots,
		SnapshotStorage:  h.snapshots,
		RPC:              h.transport,
		Timers:           NewWheelTimerManager(h.clock),
		Node:             h.node,
		Logger:           zaptest.NewLogger(t),
		Clock:            h.clock,
		MaxInflightMsgs:  3,
		MaxEntriesBatch:  4,
		HeartbeatTimeout: time.Hour,
		ElectionTimeout:  time.Hour,
	}
	if configure != nil {
		configure(&opts)
	}

	id, ok := h.registry.Start(opts)
	if !ok {
		t.Fatalf("registry.Start failed")
	}
	h.id = id
}

// newHarness builds and starts a harness in one call, for tests that don't
// need to pre-populate collaborators before the first probe.
func newHarness(t *testing.T, configure func(*Options)) *harness {
	h := newUnstartedHarness()
	h.start(t, configure)
	return h
}

// snapshot reads a consistent view of the replicator's private state under
// its latch, for use from polling assertions.
type repSnapshot struct {
	state           State
	nextIndex       uint64
	requiredNextSeq int32
	reqSeq          int32
	hasSucceeded    bool
	pendingLen      int
	inflightsLen    int
}

func (h *harness) snapshot() (repSnapshot, bool) {
	r := h.registry.peek(h.id)
	if r == nil {
		return repSnapshot{}, false
	}
	g := r.latch.lock()
	if g == nil {
		return repSnapshot{}, false
	}
	s := repSnapshot{
		state:           g.state,
		nextIndex:       g.nextIndex,
		requiredNextSeq: g.requiredNextSeq,
		reqSeq:          g.reqSeq,
		hasSucceeded:    g.hasSucceeded,
		pendingLen:      g.pending.len(),
		inflightsLen:    g.inflights.len(),
	}
	g.latch.unlock()
	return s, true
}

// appendEntries pushes n synthetic entries at term onto h.logStore.
func (h *harness) appendEntries(n int, term uint64) {
	for i := 0; i < n; i++ {
		h.logStore.Append(&LogEntry{Term: term, Data: []byte("x")})
	}
}
