package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/ratelimit"
)

// ToolHandler implements a registered tool's behavior.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered tools/call target with a JSON Schema for argument
// validation, per spec.md §4.7.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// ResourceContent is one entry of a resources/read result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceReader produces the current contents of a registered resource.
type ResourceReader func(ctx context.Context) ([]ResourceContent, error)

// Resource is a registered resources/read target.
type Resource struct {
	URI      string
	Name     string
	MimeType string
	Read     ResourceReader
}

// Prompt is a registered prompts/get template.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Render      func(args map[string]string) (string, error)
}

// PromptArgument describes one named prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// TaskView is the minimal task projection the RPC surface exposes over
// tasks/status, decoupling pkg/rpc from pkg/scheduler's concrete Task type.
type TaskView struct {
	TaskID      string         `json:"task_id"`
	Status      string         `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
}

// TaskSource delegates tasks/status and tasks/cancel to the C4 scheduler.
type TaskSource interface {
	StatusView(taskID string) (TaskView, error)
	ListViews() []TaskView
	Cancel(taskID, reason string) error
}

// SamplingRequest is the sampling/createMessage payload.
type SamplingRequest struct {
	Messages         []map[string]any `json:"messages"`
	MaxTokens        int              `json:"maxTokens"`
	SystemPrompt     string           `json:"systemPrompt,omitempty"`
	ModelPreferences map[string]any   `json:"modelPreferences,omitempty"`
	IncludeContext   string           `json:"includeContext,omitempty"`
	Temperature      float64          `json:"temperature,omitempty"`
	StopSequences    []string         `json:"stopSequences,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// SamplingProvider delegates sampling/createMessage to an external LLM
// collaborator; its failure surface is distinct from RPC errors per
// spec.md §4.7.
type SamplingProvider interface {
	CreateMessage(ctx context.Context, req SamplingRequest) (any, error)
}

type cacheEntry struct {
	contents []ResourceContent
	expires  time.Time
}

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dispatcher is the JSON-RPC 2.0 method table implementation shared by
// every transport framing.
type Dispatcher struct {
	ServerInfo ServerInfo
	CacheTTL   time.Duration

	sessions *SessionManager
	limiter  *ratelimit.Limiter
	bus      *events.Broker
	tasks    TaskSource
	sampler  SamplingProvider

	mu        sync.RWMutex
	tools     map[string]Tool
	resources map[string]Resource
	prompts   map[string]Prompt
	cache     map[string]cacheEntry
}

// NewDispatcher wires a Dispatcher to its collaborators. tasks and sampler
// may be nil; calls to the methods they back then return domain errors.
func NewDispatcher(info ServerInfo, sessions *SessionManager, limiter *ratelimit.Limiter, bus *events.Broker, tasks TaskSource, sampler SamplingProvider) *Dispatcher {
	return &Dispatcher{
		ServerInfo: info,
		CacheTTL:   30 * time.Second,
		sessions:   sessions,
		limiter:    limiter,
		bus:        bus,
		tasks:      tasks,
		sampler:    sampler,
		tools:      make(map[string]Tool),
		resources:  make(map[string]Resource),
		prompts:    make(map[string]Prompt),
		cache:      make(map[string]cacheEntry),
	}
}

// RegisterTool adds a tool to the tools/list, tools/call surface.
func (d *Dispatcher) RegisterTool(t Tool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[t.Name] = t
}

// RegisterResource adds a resource to the resources/* surface.
func (d *Dispatcher) RegisterResource(r Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[r.URI] = r
}

// RegisterPrompt adds a prompt to the prompts/* surface.
func (d *Dispatcher) RegisterPrompt(p Prompt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompts[p.Name] = p
}

// InvalidateResourcesByPrefix drops cached resource reads whose URI
// matches the given prefix, per spec.md §6 "writes invalidate entries by
// URI prefix match".
func (d *Dispatcher) InvalidateResourcesByPrefix(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for uri := range d.cache {
		if strings.HasPrefix(uri, prefix) {
			delete(d.cache, uri)
		}
	}
}

// PublishResourceUpdate notifies every session subscribed to uri.
// send is the transport's outbound notification sink.
func (d *Dispatcher) PublishResourceUpdate(uri string, send func(sessionID string, n Notification)) {
	if d.sessions == nil {
		return
	}
	for _, ref := range d.sessions.SubscriptionsForURI(uri) {
		send(ref.SessionID, Notification{
			JSONRPC: "2.0",
			Method:  "notifications/resources/updated",
			Params:  map[string]any{"uri": uri, "subscriptionId": ref.SubscriptionID},
		})
	}
}

// Dispatch handles a single decoded Request for sessionID (empty until
// initialize has run) and returns the Response to send, or nil for
// notifications. The transport is responsible for framing/encoding.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, req Request) *Response {
	if req.JSONRPC != "2.0" {
		return errOrNil(req, errorResponse(req.ID, newError(CodeInvalidRequest, "jsonrpc version must be \"2.0\"")))
	}

	if d.limiter != nil && req.Method != "initialize" && isRoutedMethod(req.Method) {
		if !d.limiter.Consume(sessionID, req.Method) {
			return errOrNil(req, errorResponse(req.ID, newError(CodeRateLimited, "rate limit exceeded")))
		}
	}

	var result any
	var rpcErr *Error

	switch req.Method {
	case "initialize":
		result, rpcErr = d.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = d.handleToolsList()
	case "tools/call":
		result, rpcErr = d.handleToolsCall(ctx, req.Params)
	case "resources/list":
		result, rpcErr = d.handleResourcesList()
	case "resources/read":
		result, rpcErr = d.handleResourcesRead(ctx, req.Params)
	case "resources/subscribe":
		result, rpcErr = d.handleResourcesSubscribe(sessionID, req.Params)
	case "resources/unsubscribe":
		result, rpcErr = d.handleResourcesUnsubscribe(sessionID, req.Params)
	case "prompts/list":
		result, rpcErr = d.handlePromptsList()
	case "prompts/get":
		result, rpcErr = d.handlePromptsGet(req.Params)
	case "tasks/status":
		result, rpcErr = d.handleTasksStatus(req.Params)
	case "tasks/cancel":
		result, rpcErr = d.handleTasksCancel(req.Params)
	case "completion/complete":
		result, rpcErr = d.handleCompletionComplete(req.Params)
	case "logging/setLevel":
		result, rpcErr = d.handleLoggingSetLevel(sessionID, req.Params)
	case "sampling/createMessage":
		result, rpcErr = d.handleSamplingCreateMessage(ctx, req.Params)
	case "ping":
		result, rpcErr = d.handlePing()
	default:
		rpcErr = newErrorf(CodeMethodNotFound, "method not found: %s", req.Method)
	}

	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return successResponse(req.ID, result)
}

// isRoutedMethod reports whether Dispatch routes method to a handler; the
// rate limiter is only charged for requests the router accepts.
func isRoutedMethod(method string) bool {
	switch method {
	case "initialize", "tools/list", "tools/call", "resources/list",
		"resources/read", "resources/subscribe", "resources/unsubscribe",
		"prompts/list", "prompts/get", "tasks/status", "tasks/cancel",
		"completion/complete", "logging/setLevel", "sampling/createMessage", "ping":
		return true
	}
	return false
}

func errOrNil(req Request, resp *Response) *Response {
	if req.IsNotification() {
		return nil
	}
	return resp
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
