package mcpclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mcpclient "github.com/ferrostad/mcp-client"
)

// mockTransport implements mcpclient.Transport for tests. Inbound traffic is
// injected with deliver; everything the client sends, including replies the
// dispatcher returns from the handler, is recorded in sent.
type mockTransport struct {
	mu         sync.Mutex
	handler    mcpclient.MessageHandler
	sent       []mcpclient.JSONRPCMessage
	sendErr    error
	closeCount int
}

func (m *mockTransport) Connect(_ context.Context, handler mcpclient.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return nil
}

func (m *mockTransport) Send(_ context.Context, msg mcpclient.JSONRPCMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	return nil
}

// deliver feeds one inbound message to the connected handler, recording a
// non-nil handler result the way a real transport would send it back.
func (m *mockTransport) deliver(msg mcpclient.JSONRPCMessage) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if out := handler(context.Background(), msg); out != nil {
		m.mu.Lock()
		m.sent = append(m.sent, *out)
		m.mu.Unlock()
	}
}

func (m *mockTransport) sentMessages() []mcpclient.JSONRPCMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mcpclient.JSONRPCMessage(nil), m.sent...)
}

// waitSent blocks until at least n messages have been sent through the
// transport, failing the test after a generous deadline.
func (m *mockTransport) waitSent(t *testing.T, n int) []mcpclient.JSONRPCMessage {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs := m.sentMessages()
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, got %d", n, len(m.sentMessages()))
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, options ...mcpclient.ClientOption) (*mcpclient.Client, *mockTransport) {
	t.Helper()

	transport := &mockTransport{}
	options = append([]mcpclient.ClientOption{mcpclient.WithLogger(testLogger())}, options...)
	client := mcpclient.NewClient(mcpclient.Info{Name: "test-client", Version: "1.0.0"}, transport, options...)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect client: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})

	return client, transport
}

type requestOutcome struct {
	res json.RawMessage
	err error
}

func startRequest(client *mcpclient.Client, method string, params any) chan requestOutcome {
	out := make(chan requestOutcome, 1)
	go func() {
		res, err := client.Request(context.Background(), method, params)
		out <- requestOutcome{res: res, err: err}
	}()
	return out
}

func TestRequestResponse(t *testing.T) {
	client, transport := newTestClient(t)

	done := startRequest(client, mcpclient.MethodToolsList, nil)

	sent := transport.waitSent(t, 1)
	if sent[0].Method != mcpclient.MethodToolsList {
		t.Fatalf("expected method %q, got %q", mcpclient.MethodToolsList, sent[0].Method)
	}
	if sent[0].ID == "" {
		t.Fatal("expected request to carry an id")
	}

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result:  json.RawMessage(`{"tools":[]}`),
	})

	outcome := <-done
	if outcome.err != nil {
		t.Fatalf("unexpected error: %v", outcome.err)
	}
	if string(outcome.res) != `{"tools":[]}` {
		t.Fatalf("unexpected result: %s", outcome.res)
	}
}

func TestRequestErrorResponse(t *testing.T) {
	client, transport := newTestClient(t)

	done := startRequest(client, mcpclient.MethodToolsCall, mcpclient.CallToolParams{Name: "missing"})

	sent := transport.waitSent(t, 1)
	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Error: &mcpclient.JSONRPCError{
			Code:    -32602,
			Message: "Invalid params",
		},
	})

	outcome := <-done
	if outcome.err == nil {
		t.Fatal("expected error, got nil")
	}
	var rpcErr *mcpclient.JSONRPCError
	if !errors.As(outcome.err, &rpcErr) {
		t.Fatalf("expected *JSONRPCError, got %T: %v", outcome.err, outcome.err)
	}
	if rpcErr.Code != -32602 {
		t.Fatalf("expected code -32602, got %d", rpcErr.Code)
	}
}

func TestConcurrentRequestsOutOfOrderResponses(t *testing.T) {
	client, transport := newTestClient(t)

	first := startRequest(client, mcpclient.MethodToolsList, nil)
	transport.waitSent(t, 1) // sent[0] must be the first caller's request
	second := startRequest(client, mcpclient.MethodToolsList, nil)

	sent := transport.waitSent(t, 2)
	if sent[0].ID == sent[1].ID {
		t.Fatalf("expected distinct request ids, both %q", sent[0].ID)
	}

	// Answer in reverse order; correlation is by id, not arrival order.
	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[1].ID,
		Result:  json.RawMessage(`{"tools":[{"name":"second"}]}`),
	})
	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result:  json.RawMessage(`{"tools":[{"name":"first"}]}`),
	})

	firstOutcome := <-first
	secondOutcome := <-second
	if firstOutcome.err != nil || secondOutcome.err != nil {
		t.Fatalf("unexpected errors: %v, %v", firstOutcome.err, secondOutcome.err)
	}

	var firstRes, secondRes mcpclient.ListToolsResult
	if err := json.Unmarshal(firstOutcome.res, &firstRes); err != nil {
		t.Fatalf("failed to unmarshal first result: %v", err)
	}
	if err := json.Unmarshal(secondOutcome.res, &secondRes); err != nil {
		t.Fatalf("failed to unmarshal second result: %v", err)
	}
	if firstRes.Tools[0].Name != "first" {
		t.Fatalf("first caller got %q", firstRes.Tools[0].Name)
	}
	if secondRes.Tools[0].Name != "second" {
		t.Fatalf("second caller got %q", secondRes.Tools[0].Name)
	}
}

func TestUnmatchedResponseIgnored(t *testing.T) {
	client, transport := newTestClient(t)

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      "never-issued",
		Result:  json.RawMessage(`{}`),
	})

	// The client keeps working after the stray response.
	done := startRequest(client, mcpclient.MethodToolsList, nil)
	sent := transport.waitSent(t, 1)
	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result:  json.RawMessage(`{"tools":[]}`),
	})
	if outcome := <-done; outcome.err != nil {
		t.Fatalf("unexpected error: %v", outcome.err)
	}
}

func TestDuplicateResponseDropped(t *testing.T) {
	client, transport := newTestClient(t)

	done := startRequest(client, mcpclient.MethodToolsList, nil)
	sent := transport.waitSent(t, 1)

	response := mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result:  json.RawMessage(`{"tools":[]}`),
	}
	transport.deliver(response)
	transport.deliver(response)

	if outcome := <-done; outcome.err != nil {
		t.Fatalf("unexpected error: %v", outcome.err)
	}
}

func TestRequestSendFailure(t *testing.T) {
	client, transport := newTestClient(t)
	transport.mu.Lock()
	transport.sendErr = errors.New("wire down")
	transport.mu.Unlock()

	_, err := client.Request(context.Background(), mcpclient.MethodToolsList, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "wire down") {
		t.Fatalf("expected send failure to surface, got %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	client, _ := newTestClient(t, mcpclient.WithRequestTimeout(50*time.Millisecond))

	_, err := client.Request(context.Background(), mcpclient.MethodToolsList, nil)
	if !errors.Is(err, mcpclient.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestRequestContextCanceled(t *testing.T) {
	client, transport := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, mcpclient.MethodToolsList, nil)
		done <- err
	}()

	transport.waitSent(t, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	client, transport := newTestClient(t)

	outcomes := []chan requestOutcome{
		startRequest(client, mcpclient.MethodToolsList, nil),
		startRequest(client, mcpclient.MethodResourcesList, nil),
		startRequest(client, mcpclient.MethodPromptsList, nil),
	}
	transport.waitSent(t, 3)

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	for i, ch := range outcomes {
		if outcome := <-ch; !errors.Is(outcome.err, mcpclient.ErrClientClosed) {
			t.Fatalf("call %d: expected ErrClientClosed, got %v", i, outcome.err)
		}
	}

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if transport.closeCount != 1 {
		t.Fatalf("expected transport closed once, got %d", transport.closeCount)
	}
}

func TestRequestAfterClose(t *testing.T) {
	client, _ := newTestClient(t)

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if _, err := client.Request(context.Background(), mcpclient.MethodToolsList, nil); !errors.Is(err, mcpclient.ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestToolsListChangedConsumer(t *testing.T) {
	var mu sync.Mutex
	var calls [][]mcpclient.Tool

	client, transport := newTestClient(t, mcpclient.WithToolsListChangedConsumer(func(tools []mcpclient.Tool) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, tools)
	}))
	_ = client

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})

	// The notification triggers a fresh tools/list request.
	sent := transport.waitSent(t, 1)
	if sent[0].Method != mcpclient.MethodToolsList {
		t.Fatalf("expected follow-up %q request, got %q", mcpclient.MethodToolsList, sent[0].Method)
	}

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result:  json.RawMessage(`{"tools":[{"name":"test-tool","description":"Test Tool Description"}]}`),
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(calls)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for consumer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("expected consumer invoked exactly once, got %d", len(calls))
	}
	if len(calls[0]) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(calls[0]))
	}
	if calls[0][0].Name != "test-tool" || calls[0][0].Description != "Test Tool Description" {
		t.Fatalf("unexpected tool: %+v", calls[0][0])
	}
}

func TestToolsListChangedRefreshFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	client, transport := newTestClient(t,
		mcpclient.WithRequestTimeout(50*time.Millisecond),
		mcpclient.WithToolsListChangedConsumer(func([]mcpclient.Tool) {
			mu.Lock()
			defer mu.Unlock()
			calls++
		}))
	_ = client

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})

	// Never answer the follow-up request; the consumer must stay silent.
	transport.waitSent(t, 1)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected consumer not invoked on refresh failure, got %d calls", calls)
	}
}

func TestRootsListRequest(t *testing.T) {
	client, transport := newTestClient(t, mcpclient.WithRootsProvider(
		mcpclient.StaticRoots(mcpclient.Root{URI: "file:///test/path", Name: "test-root"})))
	_ = client

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      "test-id",
		Method:  mcpclient.MethodRootsList,
	})

	sent := transport.waitSent(t, 1)
	if len(sent) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(sent))
	}
	if sent[0].ID != "test-id" {
		t.Fatalf("expected response id %q, got %q", "test-id", sent[0].ID)
	}
	if sent[0].Error != nil {
		t.Fatalf("unexpected error in response: %v", sent[0].Error)
	}

	var roots mcpclient.RootList
	if err := json.Unmarshal(sent[0].Result, &roots); err != nil {
		t.Fatalf("failed to unmarshal roots result: %v", err)
	}
	if len(roots.Roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots.Roots))
	}
	if roots.Roots[0].URI != "file:///test/path" || roots.Roots[0].Name != "test-root" {
		t.Fatalf("unexpected root: %+v", roots.Roots[0])
	}
}

func TestRootsListWithoutProvider(t *testing.T) {
	client, transport := newTestClient(t)
	_ = client

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      "test-id",
		Method:  mcpclient.MethodRootsList,
	})

	sent := transport.waitSent(t, 1)
	if sent[0].ID != "test-id" {
		t.Fatalf("expected response id %q, got %q", "test-id", sent[0].ID)
	}
	if sent[0].Error == nil {
		t.Fatal("expected method-not-found error, got success")
	}
	if sent[0].Error.Code != -32601 {
		t.Fatalf("expected code -32601, got %d", sent[0].Error.Code)
	}
}

func TestRootsProviderFailure(t *testing.T) {
	client, transport := newTestClient(t, mcpclient.WithRootsProvider(
		func(context.Context) ([]mcpclient.Root, error) {
			return nil, errors.New("workspace scan failed")
		}))
	_ = client

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      "test-id",
		Method:  mcpclient.MethodRootsList,
	})

	sent := transport.waitSent(t, 1)
	if sent[0].Error == nil {
		t.Fatal("expected error response, got success")
	}
	if sent[0].Error.Code != -32603 {
		t.Fatalf("expected code -32603, got %d", sent[0].Error.Code)
	}
}

func TestInboundPing(t *testing.T) {
	client, transport := newTestClient(t)
	_ = client

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      "ping-1",
		Method:  "ping",
	})

	sent := transport.waitSent(t, 1)
	if sent[0].ID != "ping-1" {
		t.Fatalf("expected response id %q, got %q", "ping-1", sent[0].ID)
	}
	if sent[0].Error != nil {
		t.Fatalf("unexpected error in ping response: %v", sent[0].Error)
	}
}

func TestUnknownNotificationIgnored(t *testing.T) {
	client, transport := newTestClient(t)

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		Method:  "notifications/experimental/mystery",
	})

	// No reply, no crash; the client keeps serving requests.
	done := startRequest(client, mcpclient.MethodToolsList, nil)
	sent := transport.waitSent(t, 1)
	if sent[0].Method != mcpclient.MethodToolsList {
		t.Fatalf("unexpected sent message: %+v", sent[0])
	}
	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result:  json.RawMessage(`{"tools":[]}`),
	})
	if outcome := <-done; outcome.err != nil {
		t.Fatalf("unexpected error: %v", outcome.err)
	}
}

func TestCustomRequestHandler(t *testing.T) {
	client, transport := newTestClient(t, mcpclient.WithRequestHandler("custom/echo",
		func(_ context.Context, params json.RawMessage) (any, error) {
			return json.RawMessage(params), nil
		}))
	_ = client

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      "echo-1",
		Method:  "custom/echo",
		Params:  json.RawMessage(`{"hello":"world"}`),
	})

	sent := transport.waitSent(t, 1)
	if string(sent[0].Result) != `{"hello":"world"}` {
		t.Fatalf("unexpected echo result: %s", sent[0].Result)
	}
}

func TestInitialize(t *testing.T) {
	client, transport := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		done <- client.Initialize(context.Background())
	}()

	sent := transport.waitSent(t, 1)
	if sent[0].Method != "initialize" {
		t.Fatalf("expected initialize request, got %q", sent[0].Method)
	}

	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ClientInfo      mcpclient.Info `json:"clientInfo"`
	}
	if err := json.Unmarshal(sent[0].Params, &params); err != nil {
		t.Fatalf("failed to unmarshal initialize params: %v", err)
	}
	if params.ProtocolVersion != "2024-11-05" {
		t.Fatalf("unexpected protocol version: %q", params.ProtocolVersion)
	}
	if params.ClientInfo.Name != "test-client" {
		t.Fatalf("unexpected client info: %+v", params.ClientInfo)
	}

	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result: json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {"tools": {"listChanged": true}},
			"serverInfo": {"name": "test-server", "version": "1.0.0"}
		}`),
	})

	if err := <-done; err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	sent = transport.waitSent(t, 2)
	if sent[1].Method != "notifications/initialized" {
		t.Fatalf("expected initialized notification, got %q", sent[1].Method)
	}
	if sent[1].ID != "" {
		t.Fatal("notification must not carry an id")
	}

	if info := client.ServerInfo(); info.Name != "test-server" {
		t.Fatalf("unexpected server info: %+v", info)
	}
	caps := client.ServerCapabilities()
	if caps.Tools == nil || !caps.Tools.ListChanged {
		t.Fatalf("unexpected server capabilities: %+v", caps)
	}
}

func TestInitializeVersionMismatch(t *testing.T) {
	client, transport := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		done <- client.Initialize(context.Background())
	}()

	sent := transport.waitSent(t, 1)
	transport.deliver(mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      sent[0].ID,
		Result: json.RawMessage(`{
			"protocolVersion": "1999-01-01",
			"capabilities": {},
			"serverInfo": {"name": "test-server", "version": "1.0.0"}
		}`),
	})

	if err := <-done; err == nil {
		t.Fatal("expected version mismatch error, got nil")
	}
}

func TestNotifyRootsListChanged(t *testing.T) {
	client, transport := newTestClient(t)

	if err := client.NotifyRootsListChanged(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := transport.waitSent(t, 1)
	if sent[0].Method != "notifications/roots/list_changed" {
		t.Fatalf("unexpected method: %q", sent[0].Method)
	}
	if sent[0].ID != "" {
		t.Fatal("notification must not carry an id")
	}
}
