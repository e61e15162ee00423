// Package config defines the YAML configuration surface for swarmd, per
// spec.md §6, grounded on the teacher's cmd/warren/apply.go yaml.v3 struct
// tag style for its resource manifests.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	MaxAgents             int           `yaml:"max_agents"`
	MaxTasks              int           `yaml:"max_tasks"`
	HeartbeatIntervalMS   int           `yaml:"heartbeat_interval_ms"`
	HealthCheckIntervalMS int           `yaml:"health_check_interval_ms"`
	DeadAfterMS           int           `yaml:"dead_after_ms"`

	Topology   TopologyConfig   `yaml:"topology"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Pool       PoolConfig       `yaml:"pool"`
	Session    SessionConfig    `yaml:"session"`
}

// TopologyConfig maps to spec.md §6 topology.* options.
type TopologyConfig struct {
	Type               string `yaml:"type"` // mesh|hierarchical|centralized|hybrid
	MaxAgents          int    `yaml:"max_agents"`
	MeshTargetDegree   int    `yaml:"mesh_target_degree"`
	ReplicationFactor  int    `yaml:"replication_factor"`
	PartitionStrategy  string `yaml:"partition_strategy"` // hash|range
	AutoRebalance      bool   `yaml:"auto_rebalance"`
	FailoverEnabled    bool   `yaml:"failover_enabled"`
}

// ConsensusConfig maps to spec.md §6 consensus.* options.
type ConsensusConfig struct {
	Algorithm              string  `yaml:"algorithm"` // raft|byzantine|gossip
	Threshold              float64 `yaml:"threshold"`
	TimeoutMS              int     `yaml:"timeout_ms"`
	ElectionTimeoutMinMS   int     `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS   int     `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMS    int     `yaml:"heartbeat_interval_ms"`
	Fanout                 int     `yaml:"fanout"`
	MaxHops                int     `yaml:"max_hops"`
	ConvergenceThreshold   float64 `yaml:"convergence_threshold"`
	MaxFaultyNodes         int     `yaml:"max_faulty_nodes"`
}

// RateLimitConfig maps to spec.md §6 rate_limit.* options.
type RateLimitConfig struct {
	RPS             float64 `yaml:"rps"`
	Burst           int     `yaml:"burst"`
	PerSessionLimit float64 `yaml:"per_session_limit"`
}

// PoolConfig maps to spec.md §6 pool.* options.
type PoolConfig struct {
	Min               int `yaml:"min"`
	Max               int `yaml:"max"`
	IdleTimeoutMS     int `yaml:"idle_timeout_ms"`
	AcquireTimeoutMS  int `yaml:"acquire_timeout_ms"`
	MaxWaitingClients int `yaml:"max_waiting_clients"`
}

// SessionConfig maps to spec.md §6 session.* options.
type SessionConfig struct {
	Max       int `yaml:"max"`
	TimeoutMS int `yaml:"timeout_ms"`
}

// Default returns a Config populated with the defaults named throughout
// spec.md §4 (registry, topology, consensus, rate limit, pool).
func Default() Config {
	return Config{
		MaxAgents:             1000,
		MaxTasks:              10000,
		HeartbeatIntervalMS:   5000,
		HealthCheckIntervalMS: 10000,
		DeadAfterMS:           30000,
		Topology: TopologyConfig{
			Type:              "mesh",
			MaxAgents:         1000,
			MeshTargetDegree:  4,
			ReplicationFactor: 3,
			PartitionStrategy: "hash",
			AutoRebalance:     true,
			FailoverEnabled:   true,
		},
		Consensus: ConsensusConfig{
			Algorithm:            "raft",
			Threshold:            0.66,
			TimeoutMS:            5000,
			ElectionTimeoutMinMS: 250,
			ElectionTimeoutMaxMS: 500,
			HeartbeatIntervalMS:  125,
			Fanout:               3,
			MaxHops:              6,
			ConvergenceThreshold: 0.9,
			MaxFaultyNodes:       1,
		},
		RateLimit: RateLimitConfig{
			RPS:             100,
			Burst:           100,
			PerSessionLimit: 20,
		},
		Pool: PoolConfig{
			Min:               2,
			Max:               20,
			IdleTimeoutMS:      300000,
			AcquireTimeoutMS:   5000,
			MaxWaitingClients: 100,
		},
		Session: SessionConfig{
			Max:       10000,
			TimeoutMS: 1800000,
		},
	}
}

// Load reads and parses a YAML configuration file, filling unset fields
// from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Duration helpers convert the millisecond fields into time.Duration for
// wiring into the component Config structs.
func (c Config) HeartbeatInterval() time.Duration   { return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond }
func (c Config) HealthCheckInterval() time.Duration { return time.Duration(c.HealthCheckIntervalMS) * time.Millisecond }
func (c Config) DeadAfter() time.Duration           { return time.Duration(c.DeadAfterMS) * time.Millisecond }

func (c ConsensusConfig) Timeout() time.Duration            { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c ConsensusConfig) ElectionTimeoutMin() time.Duration { return time.Duration(c.ElectionTimeoutMinMS) * time.Millisecond }
func (c ConsensusConfig) ElectionTimeoutMax() time.Duration { return time.Duration(c.ElectionTimeoutMaxMS) * time.Millisecond }
func (c ConsensusConfig) HeartbeatInterval() time.Duration  { return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond }

func (c PoolConfig) IdleTimeout() time.Duration    { return time.Duration(c.IdleTimeoutMS) * time.Millisecond }
func (c PoolConfig) AcquireTimeout() time.Duration { return time.Duration(c.AcquireTimeoutMS) * time.Millisecond }

func (c SessionConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }
