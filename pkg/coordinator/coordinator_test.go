package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/swarmd/pkg/config"
	"github.com/cuemby/swarmd/pkg/registry"
	"github.com/cuemby/swarmd/pkg/rpc"
	"github.com/cuemby/swarmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.Consensus.Algorithm = "gossip" // avoids a real raft TCP bind for unit tests
	co, err := New(cfg, NodeIdentity{NodeID: "node-1"})
	require.NoError(t, err)
	require.NoError(t, co.Start())
	t.Cleanup(co.Stop)
	return co
}

func rawID(v int) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func TestNewWiresRegistryToTopologyAndScheduler(t *testing.T) {
	co := newTestCoordinator(t)
	assert.NotNil(t, co.Registry)
	assert.NotNil(t, co.Topology)
	assert.NotNil(t, co.Scheduler)
	assert.Equal(t, types.AlgorithmGossip, co.Consensus.Algorithm())
}

func TestRegisterAgentToolAddsAgentAndTopologyNode(t *testing.T) {
	co := newTestCoordinator(t)

	resp := co.Dispatcher.Dispatch(context.Background(), "", rpc.Request{
		JSONRPC: "2.0",
		ID:      rawID(1),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"register_agent","arguments":{"name":"worker-1","kind":"worker"}}`),
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	assert.Equal(t, 1, len(co.Registry.List(registry.Filter{})))

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	agentID, _ := result["agent_id"].(string)
	// FindOptimalPath(id, id) is [id] for a node in the graph, nil otherwise.
	assert.Equal(t, []string{agentID}, co.Topology.FindOptimalPath(agentID, agentID))
}

func TestSubmitTaskToolCreatesSchedulableTask(t *testing.T) {
	co := newTestCoordinator(t)

	resp := co.Dispatcher.Dispatch(context.Background(), "", rpc.Request{
		JSONRPC: "2.0",
		ID:      rawID(1),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"submit_task","arguments":{"kind":"build","name":"compile"}}`),
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, result["task_id"])
}

func TestAgentsResourceReflectsRegistrations(t *testing.T) {
	co := newTestCoordinator(t)

	co.Dispatcher.Dispatch(context.Background(), "", rpc.Request{
		JSONRPC: "2.0", ID: rawID(1), Method: "tools/call",
		Params: json.RawMessage(`{"name":"register_agent","arguments":{"name":"worker-1","kind":"worker"}}`),
	})

	resp := co.Dispatcher.Dispatch(context.Background(), "", rpc.Request{
		JSONRPC: "2.0", ID: rawID(2), Method: "resources/read",
		Params: json.RawMessage(`{"uri":"swarm://agents"}`),
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(data), "worker-1")
}
