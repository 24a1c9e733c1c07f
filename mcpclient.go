package mcpclient

import (
	"context"
	"encoding/json"
)

// MessageHandler consumes one inbound message delivered by a Transport. A non-nil
// return value is an outbound message the transport must deliver back to the peer;
// nil means the handler produced nothing to send. Transports invoke the handler for
// every delivered message, in delivery order.
type MessageHandler func(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage

// Transport provides the duplex communication layer connecting the client to its
// peer. A Transport carries exactly one logical peer; multi-server fan-out is the
// application's concern.
type Transport interface {
	// Connect binds the inbound message handler into the transport's delivery
	// pipeline and starts delivery. It must be called exactly once, before any
	// Send. The handler is fed every inbound message in the order received;
	// its non-nil results are delivered back to the peer.
	Connect(ctx context.Context, handler MessageHandler) error

	// Send transmits a single message to the peer. An error means the message
	// was not delivered.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close shuts the transport down gracefully, flushing buffered work until
	// done or the context expires. Close is idempotent.
	Close(ctx context.Context) error
}

// RootsProvider supplies the workspace roots the client exposes to the server
// through the "roots/list" request. The provider is called once per inbound
// request, off the dispatch path, so it may block.
type RootsProvider func(ctx context.Context) ([]Root, error)

// RequestHandlerFunc answers a server-initiated request for a single method. The
// returned value is marshaled as the response result; a returned error produces an
// error response. Either way the peer always receives exactly one reply.
type RequestHandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandlerFunc consumes a server-pushed notification for a single
// method. Notifications carry no reply channel, so the handler's only output is
// its side effects.
type NotificationHandlerFunc func(ctx context.Context, params json.RawMessage)
