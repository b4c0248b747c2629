package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC traffic to one provider process.
type Transport interface {
	// Connect starts the provider.
	Connect(ctx context.Context) error

	// Close tears the provider down. It is safe to call more than once.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error
}
