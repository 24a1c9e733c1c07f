package mcpclient

import (
	"context"
	"encoding/json"
	"log/slog"
)

// handle is the client's inbound dispatcher, invoked by the transport for every
// delivered message in delivery order. Responses resolve their pending call
// inline; requests and notifications run their handlers off the dispatch path so
// a slow provider never stalls classification of the messages behind it. The
// dispatcher never fails on a single bad message: malformed or unmatched traffic
// is logged and dropped, and only an unknown request method produces output (the
// peer is blocked on it).
func (c *Client) handle(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	select {
	case <-c.closed:
		return nil
	default:
	}

	if msg.JSONRPC != JSONRPCVersion {
		c.logger.Warn("dropping message with invalid jsonrpc version", slog.String("version", msg.JSONRPC))
		return nil
	}

	switch {
	case msg.isResponse():
		c.pending.resolve(string(msg.ID), msg)
	case msg.isRequest():
		handler, ok := c.requestHandlers[msg.Method]
		if !ok {
			return &JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Error: &JSONRPCError{
					Code:    jsonRPCMethodNotFoundCode,
					Message: errMsgMethodNotFound,
					Data:    map[string]any{"method": msg.Method},
				},
			}
		}

		c.handlerWG.Add(1)
		go func() {
			defer c.handlerWG.Done()
			c.answerRequest(ctx, handler, msg)
		}()
	case msg.isNotification():
		handler, ok := c.notificationHandlers[msg.Method]
		if !ok {
			// Unknown notifications are routine forward-compatibility, not errors.
			c.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
			return nil
		}

		c.handlerWG.Add(1)
		go func() {
			defer c.handlerWG.Done()
			handler(ctx, msg.Params)
		}()
	default:
		c.logger.Warn("dropping message that is neither request, response, nor notification")
	}

	return nil
}

// answerRequest runs one server-initiated request to completion. The peer always
// receives exactly one correlated reply: the handler's result on success, an
// internal-error response if the handler fails.
func (c *Client) answerRequest(ctx context.Context, handler RequestHandlerFunc, msg JSONRPCMessage) {
	result, err := handler(ctx, msg.Params)
	if err != nil {
		c.logger.Error("request handler failed",
			slog.String("method", msg.Method), slog.String("err", err.Error()))

		if sErr := c.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: errMsgInternalError,
			Data:    map[string]any{"error": err.Error()},
		}); sErr != nil {
			c.logger.Error("failed to send error response",
				slog.String("method", msg.Method), slog.String("err", sErr.Error()))
		}
		return
	}

	if err := c.sendResult(ctx, msg.ID, result); err != nil {
		c.logger.Error("failed to send result",
			slog.String("method", msg.Method), slog.String("err", err.Error()))
	}
}

func (c *Client) handleRootsList(ctx context.Context, _ json.RawMessage) (any, error) {
	roots, err := c.rootsProvider(ctx)
	if err != nil {
		return nil, err
	}
	return RootList{Roots: roots}, nil
}

// refreshTools implements the list_changed pattern for tools: re-list through
// the normal request path, then feed the consumer. A failed follow-up request is
// a diagnostic event only; the consumer is not invoked with stale or partial
// data and no unrelated call is affected.
func (c *Client) refreshTools(ctx context.Context, _ json.RawMessage) {
	res, err := c.ListTools(ctx, ListToolsParams{})
	if err != nil {
		c.logger.Error("failed to refresh tool list", slog.String("err", err.Error()))
		return
	}
	c.toolsChanged(res.Tools)
}

func (c *Client) refreshResources(ctx context.Context, _ json.RawMessage) {
	res, err := c.ListResources(ctx, ListResourcesParams{})
	if err != nil {
		c.logger.Error("failed to refresh resource list", slog.String("err", err.Error()))
		return
	}
	c.resourcesChanged(res.Resources)
}

func (c *Client) refreshPrompts(ctx context.Context, _ json.RawMessage) {
	res, err := c.ListPrompts(ctx, ListPromptsParams{})
	if err != nil {
		c.logger.Error("failed to refresh prompt list", slog.String("err", err.Error()))
		return
	}
	c.promptsChanged(res.Prompts)
}
