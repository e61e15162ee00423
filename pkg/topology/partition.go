package topology

import (
	"hash/fnv"
	"sort"

	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/types"
)

// partitionSize caps how many nodes a single partition holds before the
// strategy spills into another partition; spec.md §4.2 leaves the exact
// partition count unspecified, so it is derived from mesh_target_degree
// (the same knob already governing fan-out elsewhere in the topology).
func (m *Manager) partitionSize() int {
	if m.cfg.MeshTargetDegree > 0 {
		return m.cfg.MeshTargetDegree * 2
	}
	return 8
}

// rebuildPartitionsLocked assigns every node to a partition per the
// configured strategy and elects each partition's own leader. Callers
// must hold m.mu.
func (m *Manager) rebuildPartitionsLocked() {
	nodeIDs := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	size := m.partitionSize()
	numPartitions := (len(nodeIDs) + size - 1) / size
	if numPartitions < 1 {
		numPartitions = 1
	}

	buckets := make([][]string, numPartitions)
	switch m.cfg.PartitionStrategy {
	case types.PartitionRange:
		for i, id := range nodeIDs {
			idx := i / size
			if idx >= numPartitions {
				idx = numPartitions - 1
			}
			buckets[idx] = append(buckets[idx], id)
		}
	default: // hash
		for _, id := range nodeIDs {
			idx := int(hashString(id) % uint32(numPartitions))
			buckets[idx] = append(buckets[idx], id)
		}
	}

	m.partitions = make(map[string]*types.Partition, numPartitions)
	for _, nodesInPartition := range buckets {
		if len(nodesInPartition) == 0 {
			continue
		}
		pid := ids.New(ids.KindPartition)
		leader := m.bestReliabilityLocked(nodesInPartition)
		m.partitions[pid] = &types.Partition{
			ID:                pid,
			Nodes:             nodesInPartition,
			Leader:            leader,
			ReplicationFactor: m.cfg.ReplicationFactor,
		}
	}
}

func (m *Manager) bestReliabilityLocked(nodeIDs []string) string {
	var best string
	var bestReliability float64 = -1
	for _, id := range nodeIDs {
		n, ok := m.nodes[id]
		if !ok {
			continue
		}
		if n.Reliability > bestReliability || (n.Reliability == bestReliability && (best == "" || id < best)) {
			bestReliability = n.Reliability
			best = id
		}
	}
	return best
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// Partitions returns a snapshot of all current partitions.
func (m *Manager) Partitions() []*types.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
