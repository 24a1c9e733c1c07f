// Package mcpclient implements the client side of the Model Context Protocol (MCP),
// a bidirectional JSON-RPC protocol connecting LLM applications to external tools and
// data sources. Unlike a plain RPC client, either party may initiate a request: the
// client calls server operations such as "tools/list", while the server may call back
// into the client for information only the client can answer, such as "roots/list".
// The server additionally pushes change notifications that the client reacts to by
// refreshing its cached state and feeding the result to application-registered
// consumers.
//
// The package is transport-agnostic: any implementation of the Transport interface
// can carry the message stream. StdIO and SSEClient are provided for the two
// transports the protocol specification describes.
package mcpclient
