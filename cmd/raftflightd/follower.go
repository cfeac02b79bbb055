package main

import (
	"sync"

	"go.uber.org/zap"

	"github.com/raftkit/flight/flight"
)

// demoFollower is a minimal flight.FollowerFSM: it keeps its own copy of
// the log and applies the same match/truncate logic a real follower
// would, so the demo actually exercises AppendEntries's log-matching
// property rather than trivially acking everything.
type demoFollower struct {
	mu      sync.Mutex
	name    string
	log     *zap.Logger
	entries []*flight.LogEntry // entries[i] is index i+1
	term    uint64
	snap    *flight.SnapshotMeta
}

func newDemoFollower(name string, log *zap.Logger) *demoFollower {
	return &demoFollower{name: name, log: log}
}

func (f *demoFollower) lastIndex() uint64 {
	base := uint64(0)
	if f.snap != nil {
		base = f.snap.LastIncludedIndex
	}
	return base + uint64(len(f.entries))
}

func (f *demoFollower) termAt(index uint64) uint64 {
	if f.snap != nil {
		if index == f.snap.LastIncludedIndex {
			return f.snap.LastIncludedTerm
		}
		if index < f.snap.LastIncludedIndex {
			return 0
		}
	}
	if index == 0 {
		return 0
	}
	offset := index - 1
	if f.snap != nil {
		offset = index - f.snap.LastIncludedIndex - 1
	}
	if offset >= uint64(len(f.entries)) {
		return 0
	}
	return f.entries[offset].Term
}

func (f *demoFollower) HandleAppendEntries(req *flight.AppendEntriesRequest) *flight.AppendEntriesResponse {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Term > f.term {
		f.term = req.Term
	}

	if f.termAt(req.PrevLogIndex) != req.PrevLogTerm && req.PrevLogIndex != 0 {
		return &flight.AppendEntriesResponse{Term: f.term, Success: false, LastLogIndex: f.lastIndex()}
	}

	offset := req.PrevLogIndex
	if f.snap != nil {
		offset -= f.snap.LastIncludedIndex
	}
	f.entries = f.entries[:offset]

	data := req.Data
	for _, meta := range req.EntryMetas {
		f.entries = append(f.entries, &flight.LogEntry{
			Term: meta.Term,
			Type: meta.Type,
			Data: data[:meta.DataLen],
		})
		data = data[meta.DataLen:]
	}

	f.log.Debug("follower: applied append_entries",
		zap.String("follower", f.name),
		zap.Int("count", len(req.EntryMetas)),
		zap.Uint64("lastIndex", f.lastIndex()))

	return &flight.AppendEntriesResponse{Term: f.term, Success: true, LastLogIndex: f.lastIndex()}
}

func (f *demoFollower) HandleInstallSnapshot(req *flight.InstallSnapshotRequest) *flight.InstallSnapshotResponse {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Term > f.term {
		f.term = req.Term
	}
	meta := req.Meta
	f.snap = &meta
	f.entries = nil

	f.log.Debug("follower: installed snapshot",
		zap.String("follower", f.name),
		zap.Uint64("lastIncludedIndex", meta.LastIncludedIndex))

	return &flight.InstallSnapshotResponse{Term: f.term, Success: true}
}

func (f *demoFollower) HandleTimeoutNow(req *flight.TimeoutNowRequest) *flight.TimeoutNowResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.Info("follower: received timeout_now, would start an election", zap.String("follower", f.name))
	return &flight.TimeoutNowResponse{Term: f.term, Success: true}
}
