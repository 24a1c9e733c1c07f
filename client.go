package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClientClosed is returned by calls that were outstanding, or issued, after
// Close started.
var ErrClientClosed = errors.New("client closed")

// ErrRequestTimeout is returned when the peer does not answer a request within
// the configured request timeout.
var ErrRequestTimeout = errors.New("request timeout")

var (
	defaultRequestTimeout = 30 * time.Second
	defaultCloseTimeout   = 5 * time.Second
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client over an abstract duplex
// Transport. It correlates outbound requests with their responses by id, answers
// server-initiated requests from application-supplied providers, and reacts to
// server-pushed change notifications by refreshing the affected list and feeding
// it to application-registered consumers.
//
// A Client must be created using NewClient and bound to its transport with
// Connect before any calls are made. Handler and consumer registration happens
// exclusively at construction; the dispatch tables are immutable afterwards, so
// dispatch itself requires no locking. The client should be shut down with Close
// when no longer needed.
type Client struct {
	info      Info
	transport Transport
	logger    *slog.Logger

	requestTimeout time.Duration
	closeTimeout   time.Duration

	capabilities       ClientCapabilities
	serverInfo         Info
	serverCapabilities ServerCapabilities
	initialized        bool

	rootsProvider    RootsProvider
	toolsChanged     func([]Tool)
	resourcesChanged func([]Resource)
	promptsChanged   func([]Prompt)

	requestHandlers      map[string]RequestHandlerFunc
	notificationHandlers map[string]NotificationHandlerFunc

	pending   *pendingCalls
	handlerWG sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestTimeout sets how long a client-issued request waits for its
// response before failing with ErrRequestTimeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithCloseTimeout bounds the grace period Close grants to in-flight handler
// work before shutting the transport down.
func WithCloseTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.closeTimeout = timeout
	}
}

// WithRootsProvider sets the provider backing the "roots/list" server request
// and advertises the roots capability during initialization.
func WithRootsProvider(provider RootsProvider) ClientOption {
	return func(c *Client) {
		c.rootsProvider = provider
	}
}

// WithToolsListChangedConsumer registers a consumer invoked with the fresh tool
// list after every "notifications/tools/list_changed".
func WithToolsListChangedConsumer(consumer func([]Tool)) ClientOption {
	return func(c *Client) {
		c.toolsChanged = consumer
	}
}

// WithResourcesListChangedConsumer registers a consumer invoked with the fresh
// resource list after every "notifications/resources/list_changed".
func WithResourcesListChangedConsumer(consumer func([]Resource)) ClientOption {
	return func(c *Client) {
		c.resourcesChanged = consumer
	}
}

// WithPromptsListChangedConsumer registers a consumer invoked with the fresh
// prompt list after every "notifications/prompts/list_changed".
func WithPromptsListChangedConsumer(consumer func([]Prompt)) ClientOption {
	return func(c *Client) {
		c.promptsChanged = consumer
	}
}

// WithRequestHandler exposes a method to the peer, answered by handler. Built-in
// methods ("ping", "roots/list") are only installed for methods the application
// leaves unclaimed.
func WithRequestHandler(method string, handler RequestHandlerFunc) ClientOption {
	return func(c *Client) {
		c.requestHandlers[method] = handler
	}
}

// WithNotificationHandler registers a handler for a notification method beyond
// the built-in list_changed reactors.
func WithNotificationHandler(method string, handler NotificationHandlerFunc) ClientOption {
	return func(c *Client) {
		c.notificationHandlers[method] = handler
	}
}

// NewClient creates a new MCP client speaking through the given transport. The
// info parameter identifies the client to the peer during initialization.
//
// Optional behaviors are configured through ClientOption functions: the roots
// provider, list-changed consumers, additional request/notification handlers,
// and timeouts. The returned client is not connected until Connect is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:                 info,
		transport:            transport,
		logger:               slog.Default(),
		requestHandlers:      make(map[string]RequestHandlerFunc),
		notificationHandlers: make(map[string]NotificationHandlerFunc),
		closed:               make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.closeTimeout == 0 {
		c.closeTimeout = defaultCloseTimeout
	}
	c.pending = newPendingCalls(c.logger)

	if _, ok := c.requestHandlers[methodPing]; !ok {
		c.requestHandlers[methodPing] = func(context.Context, json.RawMessage) (any, error) {
			return struct{}{}, nil
		}
	}
	if c.rootsProvider != nil {
		if _, ok := c.requestHandlers[MethodRootsList]; !ok {
			c.requestHandlers[MethodRootsList] = c.handleRootsList
		}
		c.capabilities.Roots = &RootsCapability{ListChanged: true}
	}

	if c.toolsChanged != nil {
		if _, ok := c.notificationHandlers[methodNotificationsToolsListChanged]; !ok {
			c.notificationHandlers[methodNotificationsToolsListChanged] = c.refreshTools
		}
	}
	if c.resourcesChanged != nil {
		if _, ok := c.notificationHandlers[methodNotificationsResourcesListChanged]; !ok {
			c.notificationHandlers[methodNotificationsResourcesListChanged] = c.refreshResources
		}
	}
	if c.promptsChanged != nil {
		if _, ok := c.notificationHandlers[methodNotificationsPromptsListChanged]; !ok {
			c.notificationHandlers[methodNotificationsPromptsListChanged] = c.refreshPrompts
		}
	}

	return c
}

// Connect binds the client's dispatcher into the transport's delivery pipeline.
// It must be called once, before any request is issued.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx, c.handle); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	return nil
}

// Initialize performs the protocol handshake: it sends the "initialize" request,
// verifies protocol version compatibility, records the server's identity and
// capabilities, and acknowledges with "notifications/initialized". Dispatch does
// not gate on initialization, so handlers and consumers work either way; servers
// generally expect the handshake before other traffic.
func (c *Client) Initialize(ctx context.Context) error {
	res, err := c.Request(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.initialized = true

	return c.notify(ctx, methodNotificationsInitialized, nil)
}

// Request issues a client-initiated request for any method and blocks until the
// matching response arrives, the configured request timeout expires, the context
// is done, or the client closes. The raw result is returned for the caller to
// decode; a peer error response surfaces as a *JSONRPCError via errors.As.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	id := string(msg.ID)
	slot, err := c.pending.register(id)
	if err != nil {
		return nil, err
	}

	if err := c.transport.Send(ctx, msg); err != nil {
		// The entry is removed before the caller observes the failure, so a stray
		// late response for this id is dropped as unmatched rather than leaking.
		c.pending.remove(id)
		return nil, fmt.Errorf("failed to send %q request: %w", method, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.pending.remove(id)
		return nil, fmt.Errorf("%q request: %w", method, ErrRequestTimeout)
	case res := <-slot:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, fmt.Errorf("%q request: %w", method, res.msg.Error)
		}
		return res.msg.Result, nil
	}
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	res, err := c.Request(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to unmarshal %q result: %w", MethodToolsList, err)
	}
	return result, nil
}

// CallTool executes a specific tool on the server and returns its result.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	res, err := c.Request(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal %q result: %w", MethodToolsCall, err)
	}
	return result, nil
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	res, err := c.Request(ctx, MethodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, err
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to unmarshal %q result: %w", MethodResourcesList, err)
	}
	return result, nil
}

// ListPrompts retrieves a paginated list of available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	res, err := c.Request(ctx, MethodPromptsList, params)
	if err != nil {
		return ListPromptsResult{}, err
	}

	var result ListPromptsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListPromptsResult{}, fmt.Errorf("failed to unmarshal %q result: %w", MethodPromptsList, err)
	}
	return result, nil
}

// Ping checks that the peer is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, methodPing, nil)
	return err
}

// NotifyRootsListChanged announces to the server that the client's root list has
// changed, prompting it to call "roots/list" again.
func (c *Client) NotifyRootsListChanged(ctx context.Context) error {
	return c.notify(ctx, methodNotificationsRootsListChanged, nil)
}

// ServerInfo returns the server identity recorded during Initialize.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities recorded during Initialize.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Close shuts the client down gracefully: it stops accepting new requests, fails
// every still-pending call with ErrClientClosed, grants in-flight handler work a
// bounded grace period, then closes the transport. Close is idempotent; calling
// it again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		// Fail outstanding calls before touching the transport so no caller is
		// left blocked on a response that can no longer arrive.
		c.pending.close(ErrClientClosed)

		done := make(chan struct{})
		go func() {
			c.handlerWG.Wait()
			close(done)
		}()

		timer := time.NewTimer(c.closeTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn("closing transport with handlers still running")
		case <-ctx.Done():
		}

		err = c.transport.Close(ctx)
	})
	return err
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	if err := c.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %q notification: %w", method, err)
	}
	return nil
}

func (c *Client) sendResult(ctx context.Context, id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return c.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (c *Client) sendError(ctx context.Context, id MustString, rpcErr JSONRPCError) error {
	return c.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
}
