package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/swarmd/pkg/registry"
	"github.com/cuemby/swarmd/pkg/rpc"
	"github.com/cuemby/swarmd/pkg/scheduler"
	"github.com/cuemby/swarmd/pkg/types"
)

// registerBuiltins wires the swarm's own state into the RPC surface: the
// registry/topology/scheduler as readable resources, and the handful of
// administrative actions the MCP tool surface exposes over them.
func (c *Coordinator) registerBuiltins() {
	c.Dispatcher.RegisterResource(rpc.Resource{
		URI:      "swarm://agents",
		Name:     "agents",
		MimeType: "application/json",
		Read:     c.readAgents,
	})
	c.Dispatcher.RegisterResource(rpc.Resource{
		URI:      "swarm://topology",
		Name:     "topology",
		MimeType: "application/json",
		Read:     c.readTopology,
	})
	c.Dispatcher.RegisterResource(rpc.Resource{
		URI:      "swarm://tasks",
		Name:     "tasks",
		MimeType: "application/json",
		Read:     c.readTasks,
	})

	c.Dispatcher.RegisterTool(rpc.Tool{
		Name:        "submit_task",
		Description: "submit a new task to the scheduler",
		InputSchema: map[string]any{"required": []any{"kind", "name"}},
		Handler:     c.toolSubmitTask,
	})
	c.Dispatcher.RegisterTool(rpc.Tool{
		Name:        "cancel_task",
		Description: "cancel a pending or running task",
		InputSchema: map[string]any{"required": []any{"task_id"}},
		Handler:     c.toolCancelTask,
	})
	c.Dispatcher.RegisterTool(rpc.Tool{
		Name:        "register_agent",
		Description: "register a new agent with the swarm",
		InputSchema: map[string]any{"required": []any{"name", "kind"}},
		Handler:     c.toolRegisterAgent,
	})
	c.Dispatcher.RegisterTool(rpc.Tool{
		Name:        "unregister_agent",
		Description: "remove an agent from the swarm and its topology node",
		InputSchema: map[string]any{"required": []any{"agent_id"}},
		Handler:     c.toolUnregisterAgent,
	})
}

func (c *Coordinator) readAgents(ctx context.Context) ([]rpc.ResourceContent, error) {
	agents := c.Registry.List(registry.Filter{})
	data, err := json.Marshal(agents)
	if err != nil {
		return nil, err
	}
	return []rpc.ResourceContent{{URI: "swarm://agents", MimeType: "application/json", Text: string(data)}}, nil
}

func (c *Coordinator) readTopology(ctx context.Context) ([]rpc.ResourceContent, error) {
	snapshot := struct {
		Leader string `json:"leader"`
		Degree float64 `json:"average_degree"`
		Edges  int     `json:"connection_count"`
	}{
		Leader: c.Topology.Leader(),
		Degree: c.Topology.AverageDegree(),
		Edges:  c.Topology.ConnectionCount(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return []rpc.ResourceContent{{URI: "swarm://topology", MimeType: "application/json", Text: string(data)}}, nil
}

func (c *Coordinator) readTasks(ctx context.Context) ([]rpc.ResourceContent, error) {
	tasks := c.Scheduler.List(scheduler.Filter{}, scheduler.Paging{})
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return []rpc.ResourceContent{{URI: "swarm://tasks", MimeType: "application/json", Text: string(data)}}, nil
}

func (c *Coordinator) toolSubmitTask(ctx context.Context, args map[string]any) (any, error) {
	kind, _ := args["kind"].(string)
	name, _ := args["name"].(string)
	priority := types.PriorityNormal
	if p, ok := args["priority"].(string); ok {
		priority = types.Priority(p)
	}
	input := map[string]any{}
	if raw, ok := args["input"].(map[string]any); ok {
		input = raw
	}
	id, err := c.Scheduler.Submit(scheduler.TaskInput{
		Kind:     kind,
		Name:     name,
		Priority: priority,
		Input:    input,
	})
	if err != nil {
		return nil, err
	}
	c.Dispatcher.InvalidateResourcesByPrefix("swarm://tasks")
	return map[string]any{"task_id": id}, nil
}

func (c *Coordinator) toolCancelTask(ctx context.Context, args map[string]any) (any, error) {
	taskID, _ := args["task_id"].(string)
	reason, _ := args["reason"].(string)
	if err := c.Scheduler.Cancel(taskID, reason); err != nil {
		return nil, err
	}
	c.Dispatcher.InvalidateResourcesByPrefix("swarm://tasks")
	return map[string]any{"cancelled": true}, nil
}

func (c *Coordinator) toolRegisterAgent(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	kind, _ := args["kind"].(string)
	var metadata map[string]string
	if address, ok := args["address"].(string); ok && address != "" {
		metadata = map[string]string{"address": address}
	}
	id, err := c.Registry.Register(registry.Descriptor{
		Name:     name,
		Kind:     types.AgentKind(kind),
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.Topology.AddNode(id, types.RoleWorker); err != nil {
		return nil, fmt.Errorf("register_agent: adding to topology: %w", err)
	}
	c.Dispatcher.InvalidateResourcesByPrefix("swarm://agents")
	c.Dispatcher.InvalidateResourcesByPrefix("swarm://topology")
	return map[string]any{"agent_id": id}, nil
}

func (c *Coordinator) toolUnregisterAgent(ctx context.Context, args map[string]any) (any, error) {
	agentID, _ := args["agent_id"].(string)
	if err := c.Registry.Unregister(agentID); err != nil {
		return nil, err
	}
	if err := c.Topology.RemoveNode(agentID); err != nil {
		return nil, fmt.Errorf("unregister_agent: removing from topology: %w", err)
	}
	c.Dispatcher.InvalidateResourcesByPrefix("swarm://agents")
	c.Dispatcher.InvalidateResourcesByPrefix("swarm://topology")
	return map[string]any{"unregistered": true}, nil
}
