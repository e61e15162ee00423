package types

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentWaiting AgentStatus = "waiting"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

// AgentKind is an open set of agent roles; callers may use any string,
// but these constants cover the common kinds from the spec.
type AgentKind string

const (
	AgentKindQueen       AgentKind = "queen"
	AgentKindCoordinator AgentKind = "coordinator"
	AgentKindWorker      AgentKind = "worker"
	AgentKindPeer        AgentKind = "peer"
	AgentKindSpecialist  AgentKind = "specialist"
)

// ResourceLimits are hard caps advertised by an agent's capability set.
type ResourceLimits struct {
	MaxConcurrentTasks int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	MaxMemoryBytes     int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxExecTime        time.Duration `json:"max_exec_time" yaml:"max_exec_time"`
}

// Capabilities is the agent's closed capability schema: required-string
// flags, scalar proficiencies, and hard resource limits. Unknown keys
// observed on admission are preserved in Agent.Metadata but never used
// for routing, per the spec's "closed schema" guidance.
type Capabilities struct {
	Strings      map[string]bool    `json:"strings,omitempty" yaml:"strings,omitempty"`
	Proficiency  map[string]float64 `json:"proficiency,omitempty" yaml:"proficiency,omitempty"`
	Limits       ResourceLimits     `json:"limits" yaml:"limits"`
}

// AgentMetrics are rolling counters maintained by the registry.
type AgentMetrics struct {
	TasksCompleted   int64   `json:"tasks_completed"`
	TasksFailed      int64   `json:"tasks_failed"`
	SuccessRate      float64 `json:"success_rate"`
	LatencyBudgetMet float64 `json:"latency_budget_met"`
}

// Agent is a registered worker in the fleet.
type Agent struct {
	ID             string            `json:"agent_id"`
	Name           string            `json:"name"`
	Kind           AgentKind         `json:"kind"`
	Status         AgentStatus       `json:"status"`
	Capabilities   Capabilities      `json:"capabilities"`
	Workload       float64           `json:"workload"`
	Health         float64           `json:"health"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	TopologyRole   string            `json:"topology_role"`
	Connections    map[string]bool   `json:"-"`
	CurrentTasks   map[string]bool   `json:"-"`
	Metrics        AgentMetrics      `json:"metrics"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// FreeSlots returns how many more tasks the agent can accept concurrently.
func (a *Agent) FreeSlots() int {
	limit := a.Capabilities.Limits.MaxConcurrentTasks
	if limit <= 0 {
		limit = 1
	}
	return limit - len(a.CurrentTasks)
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimedOut  TaskStatus = "timed_out"
)

// IsTerminal reports whether status cannot transition further.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	default:
		return false
	}
}

// Priority is the ordinal task priority; higher numeric value wins.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Numeric maps a Priority to its numeric ordinal per spec.md §3.
func (p Priority) Numeric() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityNormal:
		return 50
	case PriorityLow:
		return 25
	default:
		return 0
	}
}

// Requirement is a single capability requirement attached to a task,
// matched against an agent's Capabilities during scheduling.
type Requirement struct {
	Key      string  `json:"key"`
	Required bool    `json:"required,omitempty"`   // string-flag requirement
	Scalar   float64 `json:"scalar,omitempty"`     // minimum proficiency
	Weight   float64 `json:"weight"`               // scoring weight
}

// Task is a unit of work submitted to the scheduler.
type Task struct {
	ID           string            `json:"task_id"`
	Kind         string            `json:"kind"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Priority     Priority          `json:"priority"`
	Dependencies []string          `json:"dependencies"`
	Requirements []Requirement     `json:"requirements,omitempty"`
	AssignedTo   string            `json:"assigned_to,omitempty"`
	Status       TaskStatus        `json:"status"`
	Input        map[string]any    `json:"input,omitempty"`
	Output       map[string]any    `json:"output,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	CompletedAt  time.Time         `json:"completed_at,omitzero"`
	TimeoutMS    int64             `json:"timeout_ms"`
	Retries      int               `json:"retries"`
	MaxRetries   int               `json:"max_retries"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	SubmitSeq    int64             `json:"-"` // tie-break for equal priority
	FailureClass FailureClass      `json:"-"`
}

// FailureClass distinguishes retryable from fatal task failures.
type FailureClass string

const (
	FailureNone       FailureClass = ""
	FailureRetryable  FailureClass = "retryable"
	FailureFatal      FailureClass = "fatal"
	FailureAgentGone  FailureClass = "agent_gone"
)

// NodeRole is a topology role assignment.
type NodeRole string

const (
	RoleQueen       NodeRole = "queen"
	RoleCoordinator NodeRole = "coordinator"
	RolePeer        NodeRole = "peer"
	RoleWorker      NodeRole = "worker"
)

// NodeStatus is the topology-visible status of a node (distinct from the
// agent's own AgentStatus, which tracks task-execution readiness).
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeInactive NodeStatus = "inactive"
)

// TopologyKind selects the wiring policy used by the Topology Manager.
type TopologyKind string

const (
	TopologyMesh         TopologyKind = "mesh"
	TopologyHierarchical TopologyKind = "hierarchical"
	TopologyCentralized  TopologyKind = "centralized"
	TopologyHybrid       TopologyKind = "hybrid"
)

// Node is a vertex in the topology graph.
type Node struct {
	AgentID     string            `json:"agent_id"`
	Role        NodeRole          `json:"role"`
	Status      NodeStatus        `json:"status"`
	Connections map[string]bool   `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Reliability float64           `json:"reliability"`
}

// Edge is a (possibly bidirectional) connection between two nodes.
type Edge struct {
	From          string            `json:"from"`
	To            string            `json:"to"`
	Bidirectional bool              `json:"bidirectional"`
	Weight        float64           `json:"weight"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Partition groups nodes under scalability partitioning.
type Partition struct {
	ID                string   `json:"partition_id"`
	Nodes             []string `json:"nodes"`
	Leader            string   `json:"leader"`
	ReplicationFactor int      `json:"replication_factor"`
}

// PartitionStrategy selects how nodes are assigned to partitions.
type PartitionStrategy string

const (
	PartitionHash  PartitionStrategy = "hash"
	PartitionRange PartitionStrategy = "range"
)

// ConsensusAlgorithm selects the pluggable consensus implementation.
type ConsensusAlgorithm string

const (
	AlgorithmRaft      ConsensusAlgorithm = "raft"
	AlgorithmByzantine ConsensusAlgorithm = "byzantine" // canonical tag for PBFT, per spec §9 OQ3
	AlgorithmGossip    ConsensusAlgorithm = "gossip"
)

// ProposalStatus is the lifecycle state of a consensus proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalCommitted ProposalStatus = "committed"
	ProposalAborted   ProposalStatus = "aborted"
	ProposalExpired   ProposalStatus = "expired"
)

// Vote is a single voter's ballot on a proposal.
type Vote struct {
	Voter      string  `json:"voter"`
	Approve    bool    `json:"approve"`
	Confidence float64 `json:"confidence"`
}

// Session is a client-scoped RPC session.
type Session struct {
	ID             string          `json:"session_id"`
	ClientInfo     ClientInfo      `json:"client_info"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivity   time.Time       `json:"last_activity"`
	Initialized    bool            `json:"initialized"`
	Subscriptions  map[string]bool `json:"subscriptions"`
}

// ClientInfo identifies the connecting client, per the `initialize` method.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
