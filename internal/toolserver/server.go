package toolserver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport kinds for a tool-server.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// ServerConfig is the persisted description of one external tool-server.
// Identity is the name; everything else may be replaced in place.
type ServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   []string          `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

// Validate checks that the config names a usable transport.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("tool-server name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if len(c.Command) == 0 {
			return fmt.Errorf("tool-server %s: stdio transport requires a command", c.Name)
		}
	case TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("tool-server %s: sse transport requires a url", c.Name)
		}
	default:
		return fmt.Errorf("tool-server %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// ToolInfo describes a tool exposed by a tool-server.
type ToolInfo struct {
	Name          string                 `json:"name"`
	QualifiedName string                 `json:"qualified_name"`
	Description   string                 `json:"description"`
	InputSchema   map[string]interface{} `json:"inputSchema"`
}

// ConfigSource supplies the enabled tool-server configs the manager
// reconciles against. Implemented by the store.
type ConfigSource interface {
	ListEnabledToolServers(ctx context.Context) ([]ServerConfig, error)
}
