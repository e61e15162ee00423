// Package pbft implements a hand-rolled Practical Byzantine Fault
// Tolerant consensus.Protocol (spec.md §4.4): pre-prepare/prepare/commit
// phases under a primary, 2f+1 quorum, and view-change on suspected
// primary failure. No corpus library implements BFT; this is grounded on
// the spec's own algorithm description and the teacher's
// event-emission/logging idiom (pkg/events.Broker, pkg/log).
package pbft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/consensus"
	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/log"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/types"
)

// Peer is the minimal transport surface pbft needs from another node.
// Implementations are supplied through AddPeer (Coordinator.AddConsensusPeer
// in a running node); tests back it with an in-process loopback.
type Peer interface {
	ID() string
	SendPrePrepare(msg PrePrepare)
	SendPrepare(msg Prepare)
	SendCommit(msg Commit)
}

// PrePrepare, Prepare, and Commit are the three PBFT message phases.
type PrePrepare struct {
	View, Seq int
	Digest    string
	Value     any
}

type Prepare struct {
	View, Seq int
	Digest    string
	From      string
}

type Commit struct {
	View, Seq int
	Digest    string
	From      string
}

// Config configures a PBFT instance, per spec.md §6 consensus.* options.
type Config struct {
	NodeID        string
	Threshold     float64 // unused directly; quorum is derived from n
	ViewChangeAfter time.Duration
}

type round struct {
	view, seq int
	digest    string
	value     any
	prepares  map[string]bool
	commits   map[string]bool
	prepared  bool
	committed bool
	done      chan struct{}
}

// PBFT is the C5 Byzantine-fault-tolerant consensus.Protocol
// implementation.
type PBFT struct {
	mu      sync.Mutex
	cfg     Config
	peers   map[string]Peer
	view    int
	nextSeq int

	rounds map[string]*round // keyed by digest

	bus *events.Broker

	stopCh chan struct{}
}

// New creates a PBFT node with no peers; AddPeer wires the cluster.
func New(cfg Config, bus *events.Broker) *PBFT {
	return &PBFT{
		cfg:    cfg,
		peers:  make(map[string]Peer),
		rounds: make(map[string]*round),
		bus:    bus,
		stopCh: make(chan struct{}),
	}
}

// AddPeer registers another cluster member for message exchange.
func (p *PBFT) AddPeer(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.ID()] = peer
}

// Algorithm identifies this protocol for consensus.Protocol callers.
func (p *PBFT) Algorithm() types.ConsensusAlgorithm { return types.AlgorithmByzantine }

// Start launches the view-change monitor.
func (p *PBFT) Start() error {
	go p.viewChangeMonitor()
	return nil
}

// viewChangeMonitor checks every ViewChangeAfter interval whether any
// round of the current view has not committed, and if so starts a view
// change. How long a round has been pending is not tracked, so a round
// started just before the check also counts.
func (p *PBFT) viewChangeMonitor() {
	interval := p.cfg.ViewChangeAfter
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if p.hasStalledRoundLocked() {
				p.TriggerViewChange()
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *PBFT) hasStalledRoundLocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.rounds {
		if !r.committed && r.view == p.view {
			return true
		}
	}
	return false
}

// TriggerViewChange advances to the next view, rotating the primary to
// view mod n, per spec.md §4.4.
func (p *PBFT) TriggerViewChange() {
	p.mu.Lock()
	p.view++
	newPrimary := p.primary()
	p.mu.Unlock()

	log.Warn(fmt.Sprintf("pbft view change: new primary %s", newPrimary))
}

// Stop halts the view-change monitor; rounds in flight are left as they
// are.
func (p *PBFT) Stop() {
	close(p.stopCh)
}

// n returns the cluster size including this node.
func (p *PBFT) n() int {
	return len(p.peers) + 1
}

// faultTolerance returns f = ⌊(n-1)/3⌋, per spec.md §4.4.
func (p *PBFT) faultTolerance() int {
	return (p.n() - 1) / 3
}

// quorum returns 2f+1, the matching-message count required to advance a
// phase.
func (p *PBFT) quorum() int {
	return 2*p.faultTolerance() + 1
}

// primary returns the node id acting as primary for the current view:
// view mod n, per spec.md §4.4.
func (p *PBFT) primary() string {
	ids := p.sortedNodeIDs()
	if len(ids) == 0 {
		return p.cfg.NodeID
	}
	return ids[p.view%len(ids)]
}

func (p *PBFT) sortedNodeIDs() []string {
	ids := make([]string, 0, p.n())
	ids = append(ids, p.cfg.NodeID)
	for id := range p.peers {
		ids = append(ids, id)
	}
	// stable ordering so every node computes the same primary
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// Propose is only valid on the primary: it assigns a monotonic sequence
// number, broadcasts pre-prepare, and returns the proposal id without
// waiting; Await blocks until 2f+1 commits are seen.
func (p *PBFT) Propose(ctx context.Context, value any) (string, error) {
	p.mu.Lock()
	if p.primary() != p.cfg.NodeID {
		p.mu.Unlock()
		return "", fmt.Errorf("propose: not primary for view %d", p.view)
	}
	p.nextSeq++
	seq := p.nextSeq
	view := p.view
	digest := digestFor(view, seq, value)
	r := &round{view: view, seq: seq, digest: digest, value: value,
		prepares: map[string]bool{p.cfg.NodeID: true},
		commits:  map[string]bool{},
		done:     make(chan struct{}),
	}
	p.rounds[digest] = r
	p.mu.Unlock()

	metrics.ConsensusProposedTotal.WithLabelValues(string(types.AlgorithmByzantine)).Inc()
	msg := PrePrepare{View: view, Seq: seq, Digest: digest, Value: value}
	p.broadcastPrePrepare(msg)

	proposalID := ids.New(ids.KindProposal)
	p.mu.Lock()
	p.rounds[proposalID] = r
	p.mu.Unlock()

	return proposalID, nil
}

func (p *PBFT) broadcastPrePrepare(msg PrePrepare) {
	p.mu.Lock()
	peers := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()
	for _, peer := range peers {
		peer.SendPrePrepare(msg)
	}
}

// HandlePrePrepare processes an incoming pre-prepare from the primary and
// broadcasts this node's prepare vote.
func (p *PBFT) HandlePrePrepare(msg PrePrepare) {
	p.mu.Lock()
	r, ok := p.rounds[msg.Digest]
	if !ok {
		r = &round{view: msg.View, seq: msg.Seq, digest: msg.Digest, value: msg.Value,
			prepares: map[string]bool{}, commits: map[string]bool{}, done: make(chan struct{})}
		p.rounds[msg.Digest] = r
	}
	peers := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()

	prepare := Prepare{View: msg.View, Seq: msg.Seq, Digest: msg.Digest, From: p.cfg.NodeID}
	for _, peer := range peers {
		peer.SendPrepare(prepare)
	}
	p.HandlePrepare(prepare)
}

// HandlePrepare records a prepare vote; once 2f+1 are seen, broadcasts commit.
func (p *PBFT) HandlePrepare(msg Prepare) {
	p.mu.Lock()
	r, ok := p.rounds[msg.Digest]
	if !ok {
		p.mu.Unlock()
		return
	}
	r.prepares[msg.From] = true
	reachedQuorum := !r.prepared && len(r.prepares) >= p.quorum()
	if reachedQuorum {
		r.prepared = true
	}
	peers := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()

	if reachedQuorum {
		commit := Commit{View: msg.View, Seq: msg.Seq, Digest: msg.Digest, From: p.cfg.NodeID}
		for _, peer := range peers {
			peer.SendCommit(commit)
		}
		p.HandleCommit(commit)
	}
}

// HandleCommit records a commit vote; once 2f+1 are seen, the round is
// resolved and its done channel is closed.
func (p *PBFT) HandleCommit(msg Commit) {
	p.mu.Lock()
	r, ok := p.rounds[msg.Digest]
	if !ok {
		p.mu.Unlock()
		return
	}
	r.commits[msg.From] = true
	justCommitted := !r.committed && len(r.commits) >= p.quorum()
	if justCommitted {
		r.committed = true
		close(r.done)
	}
	p.mu.Unlock()

	if justCommitted {
		metrics.ConsensusCommittedTotal.WithLabelValues(string(types.AlgorithmByzantine)).Inc()
		p.publish(events.TopicConsensusCommit, msg.Digest)
		log.Info("pbft round committed")
	}
}

// Vote is unused directly: PBFT's voting is driven by HandlePrepare /
// HandleCommit, invoked by the transport layer on message receipt.
func (p *PBFT) Vote(proposalID string, vote types.Vote) error {
	return fmt.Errorf("vote: use HandlePrepare/HandleCommit for pbft")
}

// Await blocks until the round identified by proposalID commits, times
// out, or ctx is cancelled.
func (p *PBFT) Await(ctx context.Context, proposalID string, timeout time.Duration) (consensus.Result, error) {
	p.mu.Lock()
	r, ok := p.rounds[proposalID]
	p.mu.Unlock()
	if !ok {
		return consensus.Result{}, fmt.Errorf("await %q: unknown proposal", proposalID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		p.mu.Lock()
		participation := float64(len(r.commits)) / float64(p.n())
		p.mu.Unlock()
		return consensus.Result{Committed: true, Value: r.value, ParticipationRate: participation, Confidence: participation}, nil
	case <-timer.C:
		return p.partialResult(r), nil
	case <-ctx.Done():
		return p.partialResult(r), ctx.Err()
	}
}

func (p *PBFT) partialResult(r *round) consensus.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	participation := float64(len(r.commits)) / float64(p.n())
	return consensus.Result{Committed: false, Value: r.value, ParticipationRate: participation, Confidence: participation}
}

func (p *PBFT) publish(topic events.Topic, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(topic, payload)
}

func digestFor(view, seq int, value any) string {
	return fmt.Sprintf("%d-%d-%v", view, seq, value)
}

var _ consensus.Protocol = (*PBFT)(nil)
