package raftc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/consensus"
	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/log"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config configures a Raft-backed Protocol, per spec.md §6 consensus.*
// options.
type Config struct {
	NodeID             string
	BindAddr           string
	DataDir            string // empty uses in-memory stores
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	Bootstrap          bool
	Peers              []raft.Server
}

// Raftc is the C5 raft-backed consensus.Protocol implementation.
type Raftc struct {
	mu     sync.Mutex
	cfg    Config
	fsm  *swarmFSM
	raft *raft.Raft
	bus  *events.Broker

	proposals map[string]*consensus.Proposal
}

// New creates an unstarted Raftc.
func New(cfg Config, bus *events.Broker) *Raftc {
	if cfg.ElectionTimeoutMin <= 0 {
		cfg.ElectionTimeoutMin = 250 * time.Millisecond
	}
	if cfg.ElectionTimeoutMax <= 0 {
		cfg.ElectionTimeoutMax = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 125 * time.Millisecond
	}
	return &Raftc{
		cfg:       cfg,
		fsm:       newSwarmFSM(),
		bus:       bus,
		proposals: make(map[string]*consensus.Proposal),
	}
}

// Algorithm identifies this protocol for consensus.Protocol callers.
func (r *Raftc) Algorithm() types.ConsensusAlgorithm { return types.AlgorithmRaft }

// Start brings up the raft.Raft instance, grounded on the teacher's
// Bootstrap()/Join() flow: TCP transport, file/memory snapshot store, and
// BoltDB-backed log/stable stores when a data directory is configured.
func (r *Raftc) Start() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(r.cfg.NodeID)
	config.HeartbeatTimeout = r.cfg.ElectionTimeoutMin
	config.ElectionTimeout = r.cfg.ElectionTimeoutMax
	config.LeaderLeaseTimeout = r.cfg.HeartbeatInterval

	addr, err := net.ResolveTCPAddr("tcp", r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(r.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create raft transport: %w", err)
	}

	var snapStore raft.SnapshotStore
	var logStore raft.LogStore
	var stableStore raft.StableStore

	if r.cfg.DataDir != "" {
		snapStore, err = raft.NewFileSnapshotStore(r.cfg.DataDir, 2, os.Stderr)
		if err != nil {
			return fmt.Errorf("create raft snapshot store: %w", err)
		}
		boltLog, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("create raft log store: %w", err)
		}
		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-stable.db"))
		if err != nil {
			return fmt.Errorf("create raft stable store: %w", err)
		}
		logStore, stableStore = boltLog, boltStable
	} else {
		snapStore = raft.NewInmemSnapshotStore()
		logStore = raft.NewInmemStore()
		stableStore = raft.NewInmemStore()
	}

	inst, err := raft.NewRaft(config, r.fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return fmt.Errorf("create raft instance: %w", err)
	}
	r.mu.Lock()
	r.raft = inst
	r.mu.Unlock()

	if r.cfg.Bootstrap {
		servers := r.cfg.Peers
		if len(servers) == 0 {
			servers = []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}}
		}
		future := inst.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	log.Info("raft consensus started")
	return nil
}

// Stop shuts down the raft instance.
func (r *Raftc) Stop() {
	r.mu.Lock()
	inst := r.raft
	r.mu.Unlock()
	if inst == nil {
		return
	}
	inst.Shutdown()
}

// Propose submits a value; only the current leader's Apply succeeds.
func (r *Raftc) Propose(ctx context.Context, value any) (string, error) {
	r.mu.Lock()
	inst := r.raft
	r.mu.Unlock()
	if inst == nil {
		return "", fmt.Errorf("raft not started")
	}
	if inst.State() != raft.Leader {
		return "", fmt.Errorf("propose: not leader")
	}

	proposalID := ids.New(ids.KindProposal)
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal proposal value: %w", err)
	}
	cmd := command{ProposalID: proposalID, Value: encoded}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal raft command: %w", err)
	}

	metrics.ConsensusProposedTotal.WithLabelValues(string(types.AlgorithmRaft)).Inc()

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	future := inst.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return "", fmt.Errorf("apply raft command: %w", err)
	}

	r.recordProposal(proposalID, value)
	r.publish(events.TopicConsensusCommit, proposalID)
	metrics.ConsensusCommittedTotal.WithLabelValues(string(types.AlgorithmRaft)).Inc()
	return proposalID, nil
}

func (r *Raftc) recordProposal(id string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposals[id] = &consensus.Proposal{
		ID:        id,
		Value:     value,
		Status:    types.ProposalCommitted,
		CreatedAt: time.Now(),
	}
}

// Vote is a no-op for raft: voting is internal to leader election and not
// exposed to callers of the Protocol interface.
func (r *Raftc) Vote(proposalID string, vote types.Vote) error {
	return fmt.Errorf("vote: not applicable to raft consensus")
}

// Await returns the committed value once Propose's Apply has returned;
// raft commits are synchronous from the proposer's perspective, so Await
// only needs to read back the locally recorded result.
func (r *Raftc) Await(ctx context.Context, proposalID string, timeout time.Duration) (consensus.Result, error) {
	r.mu.Lock()
	p, ok := r.proposals[proposalID]
	r.mu.Unlock()
	if !ok {
		if v, found := r.fsm.get(proposalID); found {
			return consensus.Result{Committed: true, Value: v, ParticipationRate: 1, Confidence: 1}, nil
		}
		return consensus.Result{}, fmt.Errorf("await %q: unknown proposal", proposalID)
	}
	return consensus.Result{
		Committed:         p.Status == types.ProposalCommitted,
		Value:             p.Value,
		ParticipationRate: 1,
		Confidence:        1,
	}, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (r *Raftc) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raft != nil && r.raft.State() == raft.Leader
}

func (r *Raftc) publish(topic events.Topic, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, payload)
}

var _ consensus.Protocol = (*Raftc)(nil)
