// Package coordinator wires the registry, topology manager, scheduler,
// consensus protocol, rate limiter, connection pool, event bus, and RPC
// dispatcher into one running system, the way cmd/warren's clusterInitCmd
// constructs and starts its manager/scheduler/reconciler/metrics set.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/swarmd/pkg/config"
	"github.com/cuemby/swarmd/pkg/consensus"
	"github.com/cuemby/swarmd/pkg/consensus/gossip"
	"github.com/cuemby/swarmd/pkg/consensus/pbft"
	"github.com/cuemby/swarmd/pkg/consensus/raftc"
	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/log"
	"github.com/cuemby/swarmd/pkg/pool"
	"github.com/cuemby/swarmd/pkg/ratelimit"
	"github.com/cuemby/swarmd/pkg/registry"
	"github.com/cuemby/swarmd/pkg/rpc"
	"github.com/cuemby/swarmd/pkg/scheduler"
	"github.com/cuemby/swarmd/pkg/topology"
	"github.com/cuemby/swarmd/pkg/types"
	"github.com/hashicorp/raft"
)

// Coordinator owns every C2-C9 component for one swarmd process and wires
// the cross-component interfaces between them.
type Coordinator struct {
	Config config.Config

	Bus       *events.Broker
	Registry  *registry.Registry
	Topology  *topology.Manager
	Scheduler *scheduler.Scheduler
	Consensus consensus.Protocol
	Limiter   *ratelimit.Limiter
	Sessions  *rpc.SessionManager
	Dispatcher *rpc.Dispatcher

	pools  map[string]*pool.Pool
	stopCh chan struct{}
}

// poolDrainTimeout bounds how long Stop waits for in-flight connections on
// each dialed pool to finish before force-closing them.
const poolDrainTimeout = 30 * time.Second

// peerHealthInterval paces how often the coordinator dials each addressed
// agent's pooled connection to confirm it is still reachable.
const peerHealthInterval = 10 * time.Second

// NodeIdentity carries the per-process identity that config.Config
// deliberately leaves out (it is cluster membership, decided at join time
// by a CLI flag or join token, not a YAML-wide default): which node this
// process is, where it binds, and who its peers are.
type NodeIdentity struct {
	NodeID    string
	BindAddr  string
	DataDir   string // raft only; empty uses in-memory stores
	Bootstrap bool   // raft only; true for the first node of a cluster
	RaftPeers []raft.Server
}

// New constructs every component from cfg but starts none of them; call
// Start to bring the system up. Peers for pbft/gossip are wired
// separately via AddConsensusPeer once the rest of the cluster is known.
func New(cfg config.Config, self NodeIdentity) (*Coordinator, error) {
	clock := ids.NewSystemClock()
	bus := events.NewBroker()

	reg := registry.New(registry.Config{
		MaxAgents:           cfg.MaxAgents,
		HeartbeatInterval:   cfg.HeartbeatInterval(),
		HealthCheckInterval: cfg.HealthCheckInterval(),
		DeadAfter:           cfg.DeadAfter(),
	}, bus, clock)

	topo := topology.New(topology.Config{
		Kind:                types.TopologyKind(cfg.Topology.Type),
		MaxAgents:           cfg.MaxAgents,
		MeshTargetDegree:    cfg.Topology.MeshTargetDegree,
		ReplicationFactor:   cfg.Topology.ReplicationFactor,
		PartitionStrategy:   types.PartitionStrategy(cfg.Topology.PartitionStrategy),
		AutoRebalance:       cfg.Topology.AutoRebalance,
		FailoverEnabled:     cfg.Topology.FailoverEnabled,
	}, bus, clock)

	sched := scheduler.New(scheduler.Config{
		MaxTasks: cfg.MaxTasks,
	}, reg, bus, clock)

	reg.SetTopologyNotifier(topo)
	reg.SetTaskRequeuer(sched)

	proto, err := newConsensusProtocol(cfg.Consensus, self, bus)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RPS:              cfg.RateLimit.RPS,
		Burst:            cfg.RateLimit.Burst,
		PerSessionLimit:  cfg.RateLimit.PerSessionLimit,
	})

	sessions := rpc.NewSessionManager(rpc.SessionConfig{
		Max:     cfg.Session.Max,
		Timeout: cfg.Session.Timeout(),
	}, clock)

	taskSource := &rpc.SchedulerTaskSource{Scheduler: sched}

	dispatcher := rpc.NewDispatcher(rpc.ServerInfo{
		Name:    "swarmd",
		Version: "dev",
	}, sessions, limiter, bus, taskSource, nil)

	c := &Coordinator{
		Config:     cfg,
		Bus:        bus,
		Registry:   reg,
		Topology:   topo,
		Scheduler:  sched,
		Consensus:  proto,
		Limiter:    limiter,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		pools:      make(map[string]*pool.Pool),
		stopCh:     make(chan struct{}),
	}
	c.registerBuiltins()
	return c, nil
}

func newConsensusProtocol(cfg config.ConsensusConfig, self NodeIdentity, bus *events.Broker) (consensus.Protocol, error) {
	switch types.ConsensusAlgorithm(cfg.Algorithm) {
	case types.AlgorithmRaft:
		return raftc.New(raftc.Config{
			NodeID:             self.NodeID,
			BindAddr:           self.BindAddr,
			DataDir:            self.DataDir,
			Bootstrap:          self.Bootstrap,
			Peers:              self.RaftPeers,
			ElectionTimeoutMin: cfg.ElectionTimeoutMin(),
			ElectionTimeoutMax: cfg.ElectionTimeoutMax(),
			HeartbeatInterval:  cfg.HeartbeatInterval(),
		}, bus), nil
	case types.AlgorithmByzantine:
		return pbft.New(pbft.Config{
			NodeID: self.NodeID,
		}, bus), nil
	case types.AlgorithmGossip:
		return gossip.New(gossip.Config{
			NodeID:               self.NodeID,
			Fanout:               cfg.Fanout,
			MaxHops:              cfg.MaxHops,
			ConvergenceThreshold: cfg.ConvergenceThreshold,
			TotalNodes:           1, // grown by AddConsensusPeer as the cluster joins
		}, bus), nil
	default:
		return nil, fmt.Errorf("unknown consensus algorithm %q", cfg.Algorithm)
	}
}

// AddConsensusPeer wires another cluster member into a pbft or gossip
// protocol. Raft peers are supplied up front via NodeIdentity.RaftPeers
// and joined through hashicorp/raft's own membership changes instead.
func (c *Coordinator) AddConsensusPeer(peer any) error {
	switch proto := c.Consensus.(type) {
	case *pbft.PBFT:
		p, ok := peer.(pbft.Peer)
		if !ok {
			return fmt.Errorf("coordinator: peer does not implement pbft.Peer")
		}
		proto.AddPeer(p)
		return nil
	case *gossip.Gossip:
		p, ok := peer.(gossip.Peer)
		if !ok {
			return fmt.Errorf("coordinator: peer does not implement gossip.Peer")
		}
		proto.AddPeer(p)
		return nil
	default:
		return fmt.Errorf("coordinator: consensus algorithm %s does not take peers via AddConsensusPeer", c.Consensus.Algorithm())
	}
}

// Start brings up the bus, registry, topology, scheduler, session
// sweeper, and consensus protocol, in that order — each depends only on
// the ones started before it — then launches the peer health loop.
func (c *Coordinator) Start() error {
	c.Bus.Start()
	c.Registry.Start()
	c.Topology.Start()
	c.Scheduler.Start()
	c.Sessions.Start()
	if err := c.Consensus.Start(); err != nil {
		return fmt.Errorf("coordinator: starting consensus: %w", err)
	}
	go c.peerHealthLoop()
	return nil
}

// Stop shuts every component down in the reverse of Start's order.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.Consensus.Stop()
	c.Sessions.Stop()
	c.Scheduler.Stop()
	c.Topology.Stop()
	c.Registry.Stop()
	for target, p := range c.pools {
		ctx, cancel := context.WithTimeout(context.Background(), poolDrainTimeout)
		if err := p.Drain(ctx); err != nil {
			log.WithComponent("coordinator").Warn().Str("target", target).Err(err).Msg("pool drain incomplete")
		}
		cancel()
	}
	c.Bus.Stop()
}

// peerHealthLoop periodically acquires-then-releases a pooled connection
// to every registered agent that advertised an address, confirming the
// topology-neighbor replication endpoint the pool dials is reachable.
func (c *Coordinator) peerHealthLoop() {
	ticker := time.NewTicker(peerHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkPeerHealth()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) checkPeerHealth() {
	for _, agent := range c.Registry.List(registry.Filter{}) {
		target := agent.Metadata["address"]
		if target == "" {
			continue
		}
		p, err := c.PoolFor(target)
		if err != nil {
			log.WithComponent("coordinator").Warn().Str("target", target).Err(err).Msg("peer pool unavailable")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.Config.Pool.AcquireTimeout())
		conn, err := p.Acquire(ctx)
		cancel()
		if err != nil {
			log.WithComponent("coordinator").Warn().Str("target", target).Err(err).Msg("peer health check failed")
			continue
		}
		p.Release(conn)
	}
}

// PoolFor returns (creating if necessary) the connection pool dialing
// target, sized per the configured pool defaults.
func (c *Coordinator) PoolFor(target string) (*pool.Pool, error) {
	if p, ok := c.pools[target]; ok {
		return p, nil
	}
	p, err := pool.New(pool.Config{
		Target:            target,
		Min:               c.Config.Pool.Min,
		Max:               c.Config.Pool.Max,
		IdleTimeout:       c.Config.Pool.IdleTimeout(),
		AcquireTimeout:    c.Config.Pool.AcquireTimeout(),
		MaxWaitingClients: c.Config.Pool.MaxWaitingClients,
	})
	if err != nil {
		return nil, err
	}
	c.pools[target] = p
	return p, nil
}
