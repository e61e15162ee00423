package topology

import (
	"testing"
	"time"

	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeHierarchicalFirstNodeBecomesQueen(t *testing.T) {
	m := New(Config{Kind: types.TopologyHierarchical, RebalanceMinInterval: time.Second}, nil, nil)

	queen, err := m.AddNode("a1", "")
	require.NoError(t, err)
	assert.Equal(t, types.RoleQueen, queen.Role)

	worker, err := m.AddNode("a2", "")
	require.NoError(t, err)
	assert.Equal(t, types.RoleWorker, worker.Role)
	assert.True(t, m.IsConnected("a1", "a2"))
}

func TestAddNodeDuplicateRejected(t *testing.T) {
	m := New(Config{Kind: types.TopologyMesh}, nil, nil)
	_, err := m.AddNode("a1", types.RolePeer)
	require.NoError(t, err)

	_, err = m.AddNode("a1", types.RolePeer)
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestMeshWiringRespectsTargetDegree(t *testing.T) {
	m := New(Config{Kind: types.TopologyMesh, MeshTargetDegree: 2}, nil, nil)
	for i := 0; i < 5; i++ {
		_, err := m.AddNode(string(rune('a'+i)), types.RolePeer)
		require.NoError(t, err)
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		assert.LessOrEqual(t, len(m.GetNeighbors(id)), 4)
	}
}

func TestRemoveNodeTriggersReElectionWhenLeaderRemoved(t *testing.T) {
	m := New(Config{Kind: types.TopologyMesh}, nil, nil)
	_, _ = m.AddNode("a1", types.RolePeer)
	_, _ = m.AddNode("a2", types.RolePeer)

	m.mu.Lock()
	m.nodes["a1"].Reliability = 2.0
	m.mu.Unlock()

	leader := m.ElectLeader()
	require.Equal(t, "a1", leader)

	require.NoError(t, m.RemoveNode("a1"))
	newLeader := m.Leader()
	assert.Equal(t, "a2", newLeader)
}

func TestRemoveNodeHierarchicalPromotesNewQueen(t *testing.T) {
	m := New(Config{Kind: types.TopologyHierarchical}, nil, nil)
	queen, err := m.AddNode("queen", "")
	require.NoError(t, err)
	assert.Equal(t, types.RoleQueen, queen.Role)

	_, _ = m.AddNode("w1", "")
	_, _ = m.AddNode("w2", "")
	_, _ = m.AddNode("w3", "")

	m.mu.Lock()
	m.nodes["w2"].Reliability = 2.0
	m.mu.Unlock()

	leader := m.ElectLeader()
	require.Equal(t, "queen", leader)

	require.NoError(t, m.RemoveNode("queen"))
	newLeader := m.Leader()
	assert.Equal(t, "w2", newLeader)

	m.mu.RLock()
	role := m.nodes["w2"].Role
	m.mu.RUnlock()
	assert.Equal(t, types.RoleQueen, role)

	assert.True(t, m.IsConnected("w2", "w1"))
	assert.True(t, m.IsConnected("w2", "w3"))
}

func TestFindOptimalPathSameNode(t *testing.T) {
	m := New(Config{Kind: types.TopologyMesh}, nil, nil)
	_, _ = m.AddNode("a1", types.RolePeer)
	assert.Equal(t, []string{"a1"}, m.FindOptimalPath("a1", "a1"))
}

func TestFindOptimalPathUnreachableReturnsNil(t *testing.T) {
	// Hybrid workers link only to a peer; with no peers present they stay
	// isolated from each other.
	m := New(Config{Kind: types.TopologyHybrid}, nil, nil)
	_, _ = m.AddNode("a1", types.RoleWorker)
	_, _ = m.AddNode("a2", types.RoleWorker)
	assert.Nil(t, m.FindOptimalPath("a1", "a2"))
}

func TestFindOptimalPathShortestHopCount(t *testing.T) {
	m := New(Config{Kind: types.TopologyHierarchical}, nil, nil)
	_, _ = m.AddNode("queen", "")
	_, _ = m.AddNode("w1", "")
	_, _ = m.AddNode("w2", "")

	path := m.FindOptimalPath("w1", "w2")
	require.NotNil(t, path)
	assert.Equal(t, []string{"w1", "queen", "w2"}, path)
}

func TestRebalanceThrottled(t *testing.T) {
	clock := ids.NewFakeClock(time.Unix(0, 0))
	m := New(Config{Kind: types.TopologyMesh, RebalanceMinInterval: time.Minute}, nil, clock)
	_, _ = m.AddNode("a1", types.RolePeer)

	assert.True(t, m.Rebalance())
	assert.False(t, m.Rebalance())

	clock.Advance(2 * time.Minute)
	assert.True(t, m.Rebalance())
}

func TestElectLeaderCentralizedReturnsCoordinator(t *testing.T) {
	m := New(Config{Kind: types.TopologyCentralized}, nil, nil)
	coord, _ := m.AddNode("c1", "")
	require.Equal(t, types.RoleCoordinator, coord.Role)
	_, _ = m.AddNode("w1", "")

	assert.Equal(t, "c1", m.ElectLeader())
}
