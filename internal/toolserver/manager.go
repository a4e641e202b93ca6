package toolserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of one tool-server connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrNotConnected indicates a tool call was attempted against a server that
// is not in the Connected state. No network attempt is made.
var ErrNotConnected = errors.New("tool-server not connected")

// ErrUnknownServer indicates no connection is tracked for the name.
var ErrUnknownServer = errors.New("unknown tool-server")

// InvocationError carries the error payload reported by a remote tool call.
type InvocationError struct {
	Server  string
	Tool    string
	Payload string
}

func (e *InvocationError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s on %s failed: %s", e.Tool, e.Server, e.Payload)
	}
	return fmt.Sprintf("tool-server %s rpc failed: %s", e.Server, e.Payload)
}

// Status is the externally visible state of one connection. Pure data,
// computed without I/O.
type Status struct {
	Name        string `json:"name"`
	State       State  `json:"state"`
	ToolCount   int    `json:"tool_count"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// connection tracks the runtime state for one configured tool-server.
// At most one live connection exists per server name.
type connection struct {
	cfg     ServerConfig
	state   State
	client  Client
	catalog []ToolInfo
	lastErr string
}

// Manager owns the set of tool-server connections. Connect failures are
// captured into connection state rather than returned, so callers can
// fire-and-forget; explicit Disconnect always wins over an in-flight connect.
type Manager struct {
	mu     sync.Mutex
	conns  map[string]*connection
	dial   DialFunc
	source ConfigSource
	logger *zap.Logger
}

// NewManager creates a Manager that reconciles against the given config
// source. A nil dial installs the default transport dialer.
func NewManager(source ConfigSource, dial DialFunc, logger *zap.Logger) *Manager {
	m := &Manager{
		conns:  make(map[string]*connection),
		dial:   dial,
		source: source,
		logger: logger,
	}
	if m.dial == nil {
		m.dial = func(cfg ServerConfig) Client {
			switch cfg.Transport {
			case TransportStdio:
				return newStdioClient(cfg, logger)
			default:
				return newSSEClient(cfg, logger)
			}
		}
	}
	return m
}

// Connect connects to the named server. Idempotent per name: when a
// connection is already Connecting or Connected the call is a no-op. The
// call never reports transport failures to the caller; they land in the
// connection's Error state and are visible through Status.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) {
	m.mu.Lock()
	conn, ok := m.conns[cfg.Name]
	if ok && (conn.state == StateConnecting || conn.state == StateConnected) {
		m.mu.Unlock()
		return
	}
	if !ok {
		conn = &connection{cfg: cfg}
		m.conns[cfg.Name] = conn
	}
	conn.cfg = cfg
	conn.state = StateConnecting
	conn.lastErr = ""
	cl := m.dial(cfg)
	m.mu.Unlock()

	err := cl.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check before committing: an explicit Disconnect or config removal
	// during the attempt wins over this connect's result.
	cur, tracked := m.conns[cfg.Name]
	if !tracked || cur != conn || cur.state != StateConnecting {
		cl.Close()
		return
	}

	if err != nil {
		cl.Close()
		conn.state = StateError
		conn.lastErr = err.Error()
		m.logger.Warn("tool-server connect failed",
			zap.String("server", cfg.Name), zap.Error(err))
		return
	}

	conn.client = cl
	conn.catalog = cl.Tools()
	conn.state = StateConnected
	m.logger.Info("tool-server connected",
		zap.String("server", cfg.Name), zap.Int("tools", len(conn.catalog)))
}

// Disconnect tears down the named connection and clears its catalog.
// No-op for an unknown name.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	cl := conn.client
	conn.client = nil
	conn.catalog = nil
	conn.state = StateDisconnected
	conn.lastErr = ""
	m.mu.Unlock()

	if cl != nil {
		cl.Close()
	}
	m.logger.Info("tool-server disconnected", zap.String("server", name))
}

// Remove disconnects and stops tracking the named server. Used when its
// config is deleted or disabled.
func (m *Manager) Remove(name string) {
	m.Disconnect(name)
	m.mu.Lock()
	delete(m.conns, name)
	m.mu.Unlock()
}

// ReconnectUnhealthy issues a connect for every enabled config that is not
// currently Connected. Connected entries are left untouched. Entries for
// configs that have been deleted or disabled are removed.
func (m *Manager) ReconnectUnhealthy(ctx context.Context) error {
	configs, err := m.source.ListEnabledToolServers(ctx)
	if err != nil {
		return fmt.Errorf("list tool-servers: %w", err)
	}

	enabled := make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		enabled[cfg.Name] = cfg
	}

	// Drop connections whose config no longer exists or was disabled.
	m.mu.Lock()
	var stale []string
	for name := range m.conns {
		if _, ok := enabled[name]; !ok {
			stale = append(stale, name)
		}
	}
	m.mu.Unlock()
	for _, name := range stale {
		m.Remove(name)
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		m.mu.Lock()
		conn, ok := m.conns[cfg.Name]
		healthy := ok && (conn.state == StateConnected || conn.state == StateConnecting)
		m.mu.Unlock()
		if healthy {
			continue
		}
		wg.Add(1)
		go func(cfg ServerConfig) {
			defer wg.Done()
			m.Connect(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
	return nil
}

// Run drives the reconcile loop until ctx is cancelled. This is the sole
// self-healing path; Status stays a pure read.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ReconnectUnhealthy(ctx); err != nil {
				m.logger.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// Status returns the current state of the named connection. Unknown names
// report Disconnected.
func (m *Manager) Status(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[name]
	if !ok {
		return Status{Name: name, State: StateDisconnected}
	}
	return Status{
		Name:        name,
		State:       conn.state,
		ToolCount:   len(conn.catalog),
		ErrorReason: conn.lastErr,
	}
}

// StatusAll returns the status of every tracked connection.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.conns))
	for name, conn := range m.conns {
		out = append(out, Status{
			Name:        name,
			State:       conn.state,
			ToolCount:   len(conn.catalog),
			ErrorReason: conn.lastErr,
		})
	}
	return out
}

// ListTools returns the cached catalog for a Connected server; empty for
// any other state.
func (m *Manager) ListTools(name string) []ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[name]
	if !ok || conn.state != StateConnected {
		return nil
	}
	out := make([]ToolInfo, len(conn.catalog))
	copy(out, conn.catalog)
	return out
}

// AllTools returns a snapshot of every tool across all Connected servers.
func (m *Manager) AllTools() []ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ToolInfo
	for _, conn := range m.conns {
		if conn.state == StateConnected {
			out = append(out, conn.catalog...)
		}
	}
	return out
}

// CallTool invokes a discovered tool on its server. Fails with
// ErrNotConnected when the server is not Connected; a failed remote call
// surfaces as *InvocationError. Never retried.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args map[string]interface{}) (string, error) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if conn.state != StateConnected || conn.client == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	cl := conn.client
	m.mu.Unlock()

	result, err := cl.CallTool(ctx, tool, args)
	if err != nil {
		var inv *InvocationError
		if errors.As(err, &inv) {
			inv.Tool = tool
			return "", inv
		}
		return "", &InvocationError{Server: name, Tool: tool, Payload: err.Error()}
	}
	return result, nil
}

// Close tears down every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Disconnect(name)
	}
}
