// Package kit holds the transport-agnostic plumbing shared by seatfinder's
// HTTP and MCP surfaces: the Endpoint abstraction, middleware chaining, and
// context carriers for per-request metadata.
package kit

import "context"

// Endpoint is a transport-agnostic request handler. Both the HTTP handlers
// and the MCP tools decode into a typed request and invoke an Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
