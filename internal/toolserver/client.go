package toolserver

import "context"

// Client is the transport-level connection to one tool-server. Implementations
// negotiate the connection, discover the tool catalog, and bridge tool calls.
type Client interface {
	// Connect establishes the connection and discovers the tool catalog.
	Connect(ctx context.Context) error
	// Tools returns the catalog discovered during Connect.
	Tools() []ToolInfo
	// CallTool invokes a discovered tool and returns its text result.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	// Close tears the connection down.
	Close() error
}

// DialFunc constructs an unconnected client for a config. The manager uses
// this hook so tests can substitute fake transports.
type DialFunc func(cfg ServerConfig) Client
