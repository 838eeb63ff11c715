// Package gateway defines the interface for serving surfaces.
package gateway

import "context"

// Gateway is a serving surface for the bisect engine (HTTP, MCP, ...).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
