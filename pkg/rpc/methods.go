package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type initializeParams struct {
	ProtocolVersion ProtocolVersion `json:"protocolVersion"`
	Capabilities    map[string]any  `json:"capabilities"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion ProtocolVersion `json:"protocolVersion"`
	Capabilities    map[string]any  `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
	SessionID       string          `json:"sessionId"`
}

func (d *Dispatcher) handleInitialize(raw json.RawMessage) (any, *Error) {
	var p initializeParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	sess, err := d.sessions.Create(p.ProtocolVersion, p.ClientInfo, p.Capabilities)
	if err != nil {
		return nil, newError(CodeSessionExpired, err.Error())
	}
	return initializeResult{
		ProtocolVersion: p.ProtocolVersion,
		Capabilities:    map[string]any{"tools": true, "resources": true, "prompts": true, "sampling": d.sampler != nil},
		ServerInfo:      d.ServerInfo,
		SessionID:       sess.ID,
	}, nil
}

type toolsListResult struct {
	Tools []toolSummary `json:"tools"`
}

type toolSummary struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

func (d *Dispatcher) handleToolsList() (any, *Error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]toolSummary, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, toolSummary{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return toolsListResult{Tools: out}, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p toolsCallParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	d.mu.RLock()
	tool, ok := d.tools[p.Name]
	d.mu.RUnlock()
	if !ok {
		return nil, newErrorf(CodeNotFound, "unknown tool: %s", p.Name)
	}
	if err := validateAgainstSchema(p.Arguments, tool.InputSchema); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	result, err := tool.Handler(ctx, p.Arguments)
	if err != nil {
		return nil, newErrorf(CodeInternalError, "tool %s failed: %v", p.Name, err)
	}
	return result, nil
}

// validateAgainstSchema enforces only the "required" keys array of a JSON
// Schema object; full schema validation is out of scope for the core
// dispatcher and may be layered on by specific tools.
func validateAgainstSchema(args map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	required, _ := schema["required"].([]any)
	for _, r := range required {
		key, _ := r.(string)
		if key == "" {
			continue
		}
		if _, ok := args[key]; !ok {
			return &Error{Code: CodeInvalidParams, Message: "missing required argument: " + key}
		}
	}
	return nil
}

type resourcesListResult struct {
	Resources []resourceSummary `json:"resources"`
}

type resourceSummary struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func (d *Dispatcher) handleResourcesList() (any, *Error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]resourceSummary, 0, len(d.resources))
	for _, r := range d.resources {
		out = append(out, resourceSummary{URI: r.URI, Name: r.Name, MimeType: r.MimeType})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return resourcesListResult{Resources: out}, nil
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

type resourcesReadResult struct {
	Contents []ResourceContent `json:"contents"`
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p resourcesReadParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}

	d.mu.RLock()
	if entry, ok := d.cache[p.URI]; ok && time.Now().Before(entry.expires) {
		d.mu.RUnlock()
		return resourcesReadResult{Contents: entry.contents}, nil
	}
	res, ok := d.resources[p.URI]
	d.mu.RUnlock()
	if !ok {
		return nil, newErrorf(CodeNotFound, "unknown resource: %s", p.URI)
	}

	contents, err := res.Read(ctx)
	if err != nil {
		return nil, newErrorf(CodeInternalError, "read %s failed: %v", p.URI, err)
	}

	d.mu.Lock()
	d.cache[p.URI] = cacheEntry{contents: contents, expires: time.Now().Add(d.CacheTTL)}
	d.mu.Unlock()

	return resourcesReadResult{Contents: contents}, nil
}

type subscribeParams struct {
	URI string `json:"uri"`
}

type subscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (d *Dispatcher) handleResourcesSubscribe(sessionID string, raw json.RawMessage) (any, *Error) {
	var p subscribeParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	d.mu.RLock()
	_, ok := d.resources[p.URI]
	d.mu.RUnlock()
	if !ok {
		return nil, newErrorf(CodeNotFound, "unknown resource: %s", p.URI)
	}
	subID, err := d.sessions.Subscribe(sessionID, p.URI)
	if err != nil {
		return nil, newError(CodeSessionExpired, err.Error())
	}
	return subscribeResult{SubscriptionID: subID}, nil
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (d *Dispatcher) handleResourcesUnsubscribe(sessionID string, raw json.RawMessage) (any, *Error) {
	var p unsubscribeParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	if err := d.sessions.Unsubscribe(sessionID, p.SubscriptionID); err != nil {
		return nil, newError(CodeNotFound, err.Error())
	}
	return map[string]any{"success": true}, nil
}

type promptsListResult struct {
	Prompts []promptSummary `json:"prompts"`
}

type promptSummary struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

func (d *Dispatcher) handlePromptsList() (any, *Error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]promptSummary, 0, len(d.prompts))
	for _, p := range d.prompts {
		out = append(out, promptSummary{Name: p.Name, Description: p.Description, Arguments: p.Arguments})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return promptsListResult{Prompts: out}, nil
}

type promptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (d *Dispatcher) handlePromptsGet(raw json.RawMessage) (any, *Error) {
	var p promptsGetParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	d.mu.RLock()
	prompt, ok := d.prompts[p.Name]
	d.mu.RUnlock()
	if !ok {
		return nil, newErrorf(CodeNotFound, "unknown prompt: %s", p.Name)
	}
	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, ok := p.Arguments[arg.Name]; !ok {
				return nil, newErrorf(CodeInvalidParams, "missing required argument: %s", arg.Name)
			}
		}
	}
	rendered, err := prompt.Render(p.Arguments)
	if err != nil {
		return nil, newErrorf(CodeInternalError, "render prompt %s failed: %v", p.Name, err)
	}
	return map[string]any{"description": prompt.Description, "messages": []map[string]any{
		{"role": "user", "content": map[string]any{"type": "text", "text": rendered}},
	}}, nil
}

type tasksStatusParams struct {
	TaskID string `json:"taskId"`
}

func (d *Dispatcher) handleTasksStatus(raw json.RawMessage) (any, *Error) {
	if d.tasks == nil {
		return nil, newError(CodeInternalError, "no task source configured")
	}
	var p tasksStatusParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	if p.TaskID == "" {
		return map[string]any{"tasks": d.tasks.ListViews()}, nil
	}
	view, err := d.tasks.StatusView(p.TaskID)
	if err != nil {
		return nil, newErrorf(CodeNotFound, "task not found: %s", p.TaskID)
	}
	return view, nil
}

type tasksCancelParams struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

func (d *Dispatcher) handleTasksCancel(raw json.RawMessage) (any, *Error) {
	if d.tasks == nil {
		return nil, newError(CodeInternalError, "no task source configured")
	}
	var p tasksCancelParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	if err := d.tasks.Cancel(p.TaskID, p.Reason); err != nil {
		return nil, newErrorf(CodeDomainBase, "cancel failed: %v", err)
	}
	return map[string]any{"success": true}, nil
}

const maxCompletions = 10

type completionRef struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

type completionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type completionParams struct {
	Ref      completionRef      `json:"ref"`
	Argument completionArgument `json:"argument"`
}

type completionValues struct {
	Values  []string `json:"values"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
}

func (d *Dispatcher) handleCompletionComplete(raw json.RawMessage) (any, *Error) {
	var p completionParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}

	var candidates []string
	d.mu.RLock()
	switch p.Ref.Type {
	case "resource":
		for uri := range d.resources {
			candidates = append(candidates, uri)
		}
	default:
		for name := range d.prompts {
			candidates = append(candidates, name)
		}
	}
	d.mu.RUnlock()
	sort.Strings(candidates)

	var matches []string
	for _, c := range candidates {
		if strings.HasPrefix(c, p.Argument.Value) {
			matches = append(matches, c)
		}
	}
	total := len(matches)
	hasMore := total > maxCompletions
	if hasMore {
		matches = matches[:maxCompletions]
	}
	return completionValues{Values: matches, Total: total, HasMore: hasMore}, nil
}

type setLevelParams struct {
	Level string `json:"level"`
}

func (d *Dispatcher) handleLoggingSetLevel(sessionID string, raw json.RawMessage) (any, *Error) {
	var p setLevelParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	switch p.Level {
	case "debug", "info", "warn", "error":
	default:
		return nil, newErrorf(CodeInvalidParams, "invalid log level: %s", p.Level)
	}
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, newError(CodeSessionExpired, "unknown session")
	}
	sess.LogLevel = p.Level
	return map[string]any{"success": true}, nil
}

func (d *Dispatcher) handleSamplingCreateMessage(ctx context.Context, raw json.RawMessage) (any, *Error) {
	if d.sampler == nil {
		return nil, newError(CodeNoProvider, "no sampling provider registered")
	}
	var req SamplingRequest
	if err := unmarshalParams(raw, &req); err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	result, err := d.sampler.CreateMessage(ctx, req)
	if err != nil {
		return nil, newErrorf(CodeInternalError, "sampling provider failed: %v", err)
	}
	return result, nil
}

func (d *Dispatcher) handlePing() (any, *Error) {
	return map[string]any{"pong": true, "timestamp": time.Now().UnixMilli()}, nil
}
