package flight

// RequestType distinguishes the two entry-bearing RPC kinds that occupy a
// sequence slot in the inflight queue.
type RequestType int

const (
	RequestAppendEntries RequestType = iota
	RequestInstallSnapshot
)

// EntryType mirrors the kinds of payload a LogEntry can carry.
type EntryType int

const (
	EntryData EntryType = iota
	EntryConfiguration
)

// LogEntry is a single committed-or-pending entry in the replicated log.
type LogEntry struct {
	Term  uint64
	Index uint64
	Type  EntryType
	Data  []byte

	// Peers/OldPeers are only populated for EntryConfiguration entries,
	// mirroring the wire spec's EntryMeta.peers/old_peers fields.
	Peers    []string
	OldPeers []string
}

// EntryMeta is the header describing one entry inside an AppendEntries
// request; the entry's raw bytes follow in request order, concatenated
// into AppendEntriesRequest.Data, the way the teacher's LogEntryEncoder
// wrote a fixed header followed by the entry's payload bytes.
type EntryMeta struct {
	Term     uint64
	Type     EntryType
	DataLen  int
	Peers    []string
	OldPeers []string
}

// AppendEntriesRequest is sent by the leader to replicate (or probe) a
// follower's log.
type AppendEntriesRequest struct {
	Term           uint64
	GroupID        string
	ServerID       string
	PeerID         string
	PrevLogIndex   uint64
	PrevLogTerm    uint64
	CommittedIndex uint64
	EntryMetas     []EntryMeta
	Data           []byte
}

// AppendEntriesResponse is the follower's reply to AppendEntriesRequest.
type AppendEntriesResponse struct {
	Term         uint64
	Success      bool
	LastLogIndex uint64
}

// SnapshotMeta describes a snapshot's coverage of the log.
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Peers             []string
}

// InstallSnapshotRequest instructs a follower to adopt a snapshot.
type InstallSnapshotRequest struct {
	Term     uint64
	GroupID  string
	ServerID string
	PeerID   string
	Meta     SnapshotMeta
	URI      string
}

// InstallSnapshotResponse is the follower's reply to InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	Term    uint64
	Success bool
}

// TimeoutNowRequest instructs a follower to begin an election immediately,
// used for leadership transfer.
type TimeoutNowRequest struct {
	Term     uint64
	GroupID  string
	ServerID string
	PeerID   string
}

// TimeoutNowResponse is the follower's reply to TimeoutNowRequest.
type TimeoutNowResponse struct {
	Term    uint64
	Success bool
}

// encodeEntries flattens a slice of LogEntry into the EntryMeta headers and
// concatenated Data blob an AppendEntriesRequest carries on the wire.
func encodeEntries(entries []*LogEntry) ([]EntryMeta, []byte) {
	metas := make([]EntryMeta, 0, len(entries))
	var data []byte
	for _, e := range entries {
		metas = append(metas, EntryMeta{
			Term:     e.Term,
			Type:     e.Type,
			DataLen:  len(e.Data),
			Peers:    e.Peers,
			OldPeers: e.OldPeers,
		})
		data = append(data, e.Data...)
	}
	return metas, data
}
