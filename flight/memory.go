package flight

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
)

// MemoryLogStore is an append-only, mutex-protected slice of entries
// satisfying LogStore, sufficient to drive the state machine end-to-end
// in tests and the demo command. It is not a production log store — see
// SPEC_FULL.md's Non-goals.
type MemoryLogStore struct {
	mu       sync.Mutex
	first    uint64 // index of entries[0]; 0 means empty
	entries  []*LogEntry
	waiters  map[WaitID]memoryWaiter
	nextWait WaitID
}

type memoryWaiter struct {
	afterIndex uint64
	cb         func()
}

// NewMemoryLogStore returns an empty store; the first Append becomes
// index 1.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{waiters: make(map[WaitID]memoryWaiter)}
}

// Append adds entry at the next index and fires any waiter it satisfies.
func (s *MemoryLogStore) Append(entry *LogEntry) uint64 {
	s.mu.Lock()
	if s.first == 0 {
		s.first = 1
	}
	entry.Index = s.first + uint64(len(s.entries))
	s.entries = append(s.entries, entry)
	idx := entry.Index
	fired := s.drainWaitersLocked(idx)
	s.mu.Unlock()
	for _, cb := range fired {
		cb()
	}
	return idx
}

// Compact discards every entry at or below upTo, simulating snapshot
// compaction for the "log compacted" scenarios (§4.4, S4).
func (s *MemoryLogStore) Compact(upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo < s.first {
		return
	}
	drop := upTo - s.first + 1
	if drop >= uint64(len(s.entries)) {
		s.entries = nil
	} else {
		s.entries = s.entries[drop:]
	}
	s.first = upTo + 1
}

func (s *MemoryLogStore) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		if s.first == 0 {
			return 0
		}
		return s.first - 1
	}
	return s.first + uint64(len(s.entries)) - 1
}

func (s *MemoryLogStore) FirstIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first == 0 {
		return 1
	}
	return s.first
}

func (s *MemoryLogStore) TermOf(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.first || len(s.entries) == 0 {
		return 0
	}
	offset := index - s.first
	if offset >= uint64(len(s.entries)) {
		return 0
	}
	return s.entries[offset].Term
}

func (s *MemoryLogStore) GetEntry(index uint64) (*LogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.first || len(s.entries) == 0 {
		return nil, false
	}
	offset := index - s.first
	if offset >= uint64(len(s.entries)) {
		return nil, false
	}
	return s.entries[offset], true
}

func (s *MemoryLogStore) Wait(afterIndex uint64, cb func()) WaitID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWait++
	id := s.nextWait
	last := s.first + uint64(len(s.entries))
	if s.first != 0 && last > s.first && afterIndex < last-1 {
		// Already satisfied; fire without blocking the caller.
		go cb()
		return id
	}
	s.waiters[id] = memoryWaiter{afterIndex: afterIndex, cb: cb}
	return id
}

func (s *MemoryLogStore) RemoveWaiter(id WaitID) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

// drainWaitersLocked collects (without invoking) every waiter satisfied
// by an append landing at newIndex, so callers can fire them outside the
// lock.
func (s *MemoryLogStore) drainWaitersLocked(newIndex uint64) []func() {
	var fired []func()
	for id, w := range s.waiters {
		if newIndex > w.afterIndex {
			fired = append(fired, w.cb)
			delete(s.waiters, id)
		}
	}
	return fired
}

// MemoryBallotBox tracks the highest index committed for each peer and
// across all peers, satisfying BallotBox for tests and the demo command.
type MemoryBallotBox struct {
	mu        sync.Mutex
	committed map[PeerID]uint64
	lastAll   uint64
}

// NewMemoryBallotBox returns an empty ballot box.
func NewMemoryBallotBox() *MemoryBallotBox {
	return &MemoryBallotBox{committed: make(map[PeerID]uint64)}
}

func (b *MemoryBallotBox) LastCommittedIndex() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAll
}

func (b *MemoryBallotBox) CommitAt(start, end uint64, peer PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if end > b.committed[peer] {
		b.committed[peer] = end
	}
	if end > b.lastAll {
		b.lastAll = end
	}
}

// MemorySnapshotStorage holds a single current SnapshotMeta plus a byte
// blob standing in for the snapshot image, satisfying SnapshotStorage.
type MemorySnapshotStorage struct {
	mu   sync.Mutex
	meta *SnapshotMeta
	blob []byte
}

// NewMemorySnapshotStorage returns storage with no snapshot yet taken.
func NewMemorySnapshotStorage() *MemorySnapshotStorage {
	return &MemorySnapshotStorage{}
}

// SetSnapshot installs the current snapshot, replacing any prior one.
func (s *MemorySnapshotStorage) SetSnapshot(meta SnapshotMeta, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = &meta
	s.blob = blob
}

func (s *MemorySnapshotStorage) Open() (SnapshotReader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, false
	}
	meta := *s.meta
	return &memorySnapshotReader{meta: &meta, blob: s.blob}, true
}

// memorySnapshotReader is the scoped resource SnapshotStorage.Open hands
// out. Close is idempotent, per §4.11.
type memorySnapshotReader struct {
	mu     sync.Mutex
	meta   *SnapshotMeta
	blob   []byte
	closed bool
}

func (r *memorySnapshotReader) Load() (*SnapshotMeta, bool) {
	return r.meta, r.meta != nil
}

// GenerateURIForCopy hashes the blob with xxhash to stand in for a
// content-addressed transfer URI, the way a production snapshot store
// might key a staged copy by content digest.
func (r *memorySnapshotReader) GenerateURIForCopy() (string, bool) {
	if r.meta == nil {
		return "", false
	}
	digest := xxhash.Sum64(r.blob)
	return "memsnap://" + humanize.Bytes(uint64(len(r.blob))) + "/" + strconv.FormatUint(digest, 16), true
}

func (r *memorySnapshotReader) Path() string {
	return "memory://snapshot"
}

func (r *memorySnapshotReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
