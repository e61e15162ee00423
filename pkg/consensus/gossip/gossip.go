// Package gossip implements a hand-rolled epidemic-dissemination
// consensus.Protocol (spec.md §4.4): periodic fanout exchange, bounded
// hop propagation, seen-set deduplication, and convergence-threshold
// evaluation. Grounded on the teacher's pkg/events.Broker buffered
// per-subscriber fan-out shape, generalized to peer-to-peer exchange.
package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/consensus"
	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/types"
)

// Peer is the minimal transport surface gossip needs from another node.
type Peer interface {
	ID() string
	SendRumor(r Rumor)
}

// Rumor is a single propagating proposal state vector.
type Rumor struct {
	ProposalID string
	Value      any
	Version    int
	Hops       int
	SeenBy     map[string]bool
}

// Config configures a gossip instance, per spec.md §6 consensus.* options.
type Config struct {
	NodeID               string
	Fanout               int
	MaxHops              int
	ConvergenceThreshold float64
	GossipInterval       time.Duration
	TotalNodes           int // cluster size, for participation_rate
}

type rumorState struct {
	rumor  Rumor
	done   chan struct{}
	closed bool
}

// Gossip is the C5 epidemic-dissemination consensus.Protocol
// implementation.
type Gossip struct {
	mu     sync.Mutex
	cfg    Config
	peers  map[string]Peer
	bus    *events.Broker
	active map[string]*rumorState

	stopCh chan struct{}
	rng    *rand.Rand
}

// New creates a Gossip node with no peers; AddPeer wires the cluster.
func New(cfg Config, bus *events.Broker) *Gossip {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 3
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 6
	}
	if cfg.ConvergenceThreshold <= 0 {
		cfg.ConvergenceThreshold = 0.9
	}
	return &Gossip{
		cfg:    cfg,
		peers:  make(map[string]Peer),
		bus:    bus,
		active: make(map[string]*rumorState),
		stopCh: make(chan struct{}),
		rng:    rand.New(rand.NewSource(1)),
	}
}

// AddPeer registers another cluster member for rumor exchange.
func (g *Gossip) AddPeer(peer Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[peer.ID()] = peer
	if g.cfg.TotalNodes < len(g.peers)+1 {
		g.cfg.TotalNodes = len(g.peers) + 1
	}
}

// Algorithm identifies this protocol for consensus.Protocol callers.
func (g *Gossip) Algorithm() types.ConsensusAlgorithm { return types.AlgorithmGossip }

// Start launches the periodic gossip round loop.
func (g *Gossip) Start() error {
	go g.gossipLoop()
	return nil
}

// Stop halts the gossip loop.
func (g *Gossip) Stop() {
	close(g.stopCh)
}

func (g *Gossip) gossipLoop() {
	interval := g.cfg.GossipInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.gossipRound()
		case <-g.stopCh:
			return
		}
	}
}

// gossipRound selects fanout random neighbors for each active rumor and
// forwards it, incrementing hop count.
func (g *Gossip) gossipRound() {
	g.mu.Lock()
	rumors := make([]Rumor, 0, len(g.active))
	for _, st := range g.active {
		if !st.closed {
			rumors = append(rumors, st.rumor)
		}
	}
	peers := make([]Peer, 0, len(g.peers))
	for _, peer := range g.peers {
		peers = append(peers, peer)
	}
	g.mu.Unlock()

	for _, r := range rumors {
		if r.Hops >= g.cfg.MaxHops {
			continue
		}
		targets := g.selectFanout(peers)
		for _, peer := range targets {
			if r.SeenBy[peer.ID()] {
				continue
			}
			forwarded := r
			forwarded.Hops = r.Hops + 1
			forwarded.SeenBy = cloneSeenSet(r.SeenBy)
			peer.SendRumor(forwarded)
		}
	}
}

func (g *Gossip) selectFanout(peers []Peer) []Peer {
	if len(peers) <= g.cfg.Fanout {
		return peers
	}
	shuffled := append([]Peer{}, peers...)
	g.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:g.cfg.Fanout]
}

// Propose injects a new rumor originating at this node.
func (g *Gossip) Propose(ctx context.Context, value any) (string, error) {
	proposalID := ids.New(ids.KindProposal)
	r := Rumor{
		ProposalID: proposalID,
		Value:      value,
		Version:    1,
		Hops:       0,
		SeenBy:     map[string]bool{g.cfg.NodeID: true},
	}

	g.mu.Lock()
	g.active[proposalID] = &rumorState{rumor: r, done: make(chan struct{})}
	g.mu.Unlock()

	metrics.ConsensusProposedTotal.WithLabelValues(string(types.AlgorithmGossip)).Inc()
	return proposalID, nil
}

// HandleRumor merges an incoming rumor into local state: new proposals
// are recorded, duplicates are suppressed via the seen-set, and
// convergence is re-evaluated.
func (g *Gossip) HandleRumor(r Rumor) {
	g.mu.Lock()
	st, ok := g.active[r.ProposalID]
	if !ok {
		st = &rumorState{rumor: r, done: make(chan struct{})}
		st.rumor.SeenBy = cloneSeenSet(r.SeenBy)
		g.active[r.ProposalID] = st
	} else {
		for id := range r.SeenBy {
			st.rumor.SeenBy[id] = true
		}
		if r.Version > st.rumor.Version {
			st.rumor.Version = r.Version
			st.rumor.Value = r.Value
		}
	}
	st.rumor.SeenBy[g.cfg.NodeID] = true

	participation := float64(len(st.rumor.SeenBy)) / float64(g.totalNodesLocked())
	converged := !st.closed && participation >= g.cfg.ConvergenceThreshold
	if converged {
		st.closed = true
		close(st.done)
	}
	g.mu.Unlock()

	if converged {
		metrics.ConsensusCommittedTotal.WithLabelValues(string(types.AlgorithmGossip)).Inc()
		g.publish(events.TopicConsensusCommit, r.ProposalID)
	}
}

func (g *Gossip) totalNodesLocked() int {
	if g.cfg.TotalNodes > 0 {
		return g.cfg.TotalNodes
	}
	return len(g.peers) + 1
}

// Vote is unused directly: gossip convergence is driven by rumor
// propagation, not explicit votes.
func (g *Gossip) Vote(proposalID string, vote types.Vote) error {
	return fmt.Errorf("vote: gossip convergence is driven by rumor propagation")
}

// Await blocks until the rumor identified by proposalID converges, times
// out (returning the best partial participation), or ctx is cancelled.
func (g *Gossip) Await(ctx context.Context, proposalID string, timeout time.Duration) (consensus.Result, error) {
	g.mu.Lock()
	st, ok := g.active[proposalID]
	g.mu.Unlock()
	if !ok {
		return consensus.Result{}, fmt.Errorf("await %q: unknown proposal", proposalID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-st.done:
		return g.resultFor(st), nil
	case <-timer.C:
		return g.resultFor(st), nil
	case <-ctx.Done():
		return g.resultFor(st), ctx.Err()
	}
}

func (g *Gossip) resultFor(st *rumorState) consensus.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	participation := float64(len(st.rumor.SeenBy)) / float64(g.totalNodesLocked())
	return consensus.Result{
		Committed:         st.closed,
		Value:             st.rumor.Value,
		ParticipationRate: participation,
		Confidence:        participation,
	}
}

func (g *Gossip) publish(topic events.Topic, payload any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, payload)
}

func cloneSeenSet(s map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

var _ consensus.Protocol = (*Gossip)(nil)
