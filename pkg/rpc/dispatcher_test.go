package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/swarmd/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawID(v int) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	sessions := NewSessionManager(SessionConfig{}, nil)
	limiter := ratelimit.New(ratelimit.Config{RPS: 100, Burst: 100, PerSessionLimit: 100})
	return NewDispatcher(ServerInfo{Name: "swarmd", Version: "test"}, sessions, limiter, nil, nil, nil)
}

func initializeSession(t *testing.T, d *Dispatcher) string {
	t.Helper()
	req := Request{JSONRPC: "2.0", ID: rawID(1), Method: "initialize", Params: json.RawMessage(`{"protocolVersion":{"major":1,"minor":0,"patch":0},"clientInfo":{"name":"test","version":"1"}}`)}
	resp := d.Dispatch(context.Background(), "", req)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(initializeResult)
	require.True(t, ok)
	return result.SessionID
}

func TestInitializeCreatesSession(t *testing.T) {
	d := newTestDispatcher(t)
	sessionID := initializeSession(t, d)
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, 1, d.sessions.Count())
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(1), Method: "bogus/method"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestInvalidJSONRPCVersionRejected(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), "", Request{JSONRPC: "1.0", ID: rawID(1), Method: "ping"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestNotificationProducesNoResponse(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", Method: "ping"})
	assert.Nil(t, resp)
}

func TestPingReturnsPong(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(1), Method: "ping"})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["pong"])
}

func TestToolsCallValidatesRequiredArguments(t *testing.T) {
	d := newTestDispatcher(t)
	d.RegisterTool(Tool{
		Name:        "echo",
		InputSchema: map[string]any{"required": []any{"text"}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	})

	resp := d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: json.RawMessage(`{"name":"echo","arguments":{}}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)

	resp = d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(2), Method: "tools/call", Params: json.RawMessage(`{"name":"echo","arguments":{"text":"hi"}}`)})
	require.Nil(t, resp.Error)
	assert.Equal(t, "hi", resp.Result)
}

func TestResourcesReadIsCachedUntilTTLExpires(t *testing.T) {
	d := newTestDispatcher(t)
	calls := 0
	d.RegisterResource(Resource{
		URI: "swarm://agents",
		Read: func(ctx context.Context) ([]ResourceContent, error) {
			calls++
			return []ResourceContent{{URI: "swarm://agents", Text: "data"}}, nil
		},
	})

	params := json.RawMessage(`{"uri":"swarm://agents"}`)
	d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(1), Method: "resources/read", Params: params})
	d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(2), Method: "resources/read", Params: params})
	assert.Equal(t, 1, calls, "second read should hit cache")

	d.InvalidateResourcesByPrefix("swarm://")
	d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(3), Method: "resources/read", Params: params})
	assert.Equal(t, 2, calls, "invalidation should force a fresh read")
}

func TestResourcesSubscribeAndUnsubscribe(t *testing.T) {
	d := newTestDispatcher(t)
	d.RegisterResource(Resource{URI: "swarm://agents", Read: func(ctx context.Context) ([]ResourceContent, error) { return nil, nil }})
	sessionID := initializeSession(t, d)

	resp := d.Dispatch(context.Background(), sessionID, Request{JSONRPC: "2.0", ID: rawID(2), Method: "resources/subscribe", Params: json.RawMessage(`{"uri":"swarm://agents"}`)})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(subscribeResult)
	require.True(t, ok)
	assert.NotEmpty(t, result.SubscriptionID)

	refs := d.sessions.SubscriptionsForURI("swarm://agents")
	require.Len(t, refs, 1)

	resp = d.Dispatch(context.Background(), sessionID, Request{JSONRPC: "2.0", ID: rawID(3), Method: "resources/unsubscribe", Params: json.RawMessage(`{"subscriptionId":"` + result.SubscriptionID + `"}`)})
	require.Nil(t, resp.Error)
	assert.Empty(t, d.sessions.SubscriptionsForURI("swarm://agents"))
}

func TestCompletionCompleteCapsAtTen(t *testing.T) {
	d := newTestDispatcher(t)
	for i := 0; i < 15; i++ {
		d.RegisterResource(Resource{URI: "swarm://item" + string(rune('a'+i))})
	}
	resp := d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(1), Method: "completion/complete", Params: json.RawMessage(`{"ref":{"type":"resource"},"argument":{"name":"uri","value":"swarm://"}}`)})
	require.Nil(t, resp.Error)
	values, ok := resp.Result.(completionValues)
	require.True(t, ok)
	assert.Len(t, values.Values, 10)
	assert.Equal(t, 15, values.Total)
	assert.True(t, values.HasMore)
}

func TestSamplingCreateMessageWithoutProviderReturnsDomainError(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), "", Request{JSONRPC: "2.0", ID: rawID(1), Method: "sampling/createMessage", Params: json.RawMessage(`{"messages":[],"maxTokens":10}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNoProvider, resp.Error.Code)
}

func TestRateLimiterRejectsBeyondBurst(t *testing.T) {
	sessions := NewSessionManager(SessionConfig{}, nil)
	limiter := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1, PerSessionLimit: 100})
	d := NewDispatcher(ServerInfo{Name: "swarmd"}, sessions, limiter, nil, nil, nil)

	resp := d.Dispatch(context.Background(), "s1", Request{JSONRPC: "2.0", ID: rawID(1), Method: "ping"})
	require.Nil(t, resp.Error)

	resp = d.Dispatch(context.Background(), "s1", Request{JSONRPC: "2.0", ID: rawID(2), Method: "ping"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRateLimited, resp.Error.Code)
}
