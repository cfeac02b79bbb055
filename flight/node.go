package flight

import (
	"sync"

	"go.uber.org/zap"
)

// Node is a toy leader: it owns the Registry driving one Replicator per
// peer and is the NodeController every Replicator reports higher-term
// step-downs to. It exists to let the demo command run replicators across
// a small cluster without a real election/term subsystem, which
// SPEC_FULL.md's Non-goals exclude. The package's tests use their own
// stub NodeController instead.
type Node struct {
	mu     sync.Mutex
	term   uint64
	logger *zap.Logger

	Registry *Registry
	peers    map[PeerID]ID
}

// NewNode returns a Node at the given starting term.
func NewNode(term uint64, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		term:     term,
		logger:   logger,
		Registry: NewRegistry(),
		peers:    make(map[PeerID]ID),
	}
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// AddPeer starts a Replicator for peer and records its ID for lookup by
// PeerID (used by the demo CLI's status output).
func (n *Node) AddPeer(opts Options, peer PeerID) (ID, bool) {
	opts.Term = n.Term()
	opts.Node = n
	id, ok := n.Registry.Start(opts)
	if !ok {
		return 0, false
	}
	n.mu.Lock()
	n.peers[peer] = id
	n.mu.Unlock()
	return id, true
}

// PeerReplicator looks up the replicator ID started for peer, if any.
func (n *Node) PeerReplicator(peer PeerID) (ID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.peers[peer]
	return id, ok
}

// StepDown implements NodeController: it bumps the node's term and logs
// the step-down. A real node would also give up leadership and stop
// every replicator it owns; that lifecycle sits above this module's
// scope (§1, out of scope: "everything above the replicator").
func (n *Node) StepDown(term uint64) {
	n.mu.Lock()
	if term > n.term {
		n.term = term
	}
	n.mu.Unlock()
	n.logger.Warn("node: stepping down", zap.Uint64("term", term))
}
