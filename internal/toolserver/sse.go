package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// rpcTimeout bounds a single JSON-RPC round trip.
const rpcTimeout = 30 * time.Second

// sseClient speaks JSON-RPC over HTTP with responses delivered on an SSE
// stream. The first SSE event announces the RPC endpoint; subsequent
// "message" events carry responses matched to callers by request id.
type sseClient struct {
	name    string
	sseURL  string
	headers map[string]string
	rpcURL  string
	tools   []ToolInfo
	pending map[int]chan rpcReply
	nextID  atomic.Int64
	mu      sync.Mutex
	cancel  context.CancelFunc
	logger  *zap.Logger
}

func newSSEClient(cfg ServerConfig, logger *zap.Logger) *sseClient {
	return &sseClient{
		name:    cfg.Name,
		sseURL:  cfg.URL,
		headers: cfg.Headers,
		pending: make(map[int]chan rpcReply),
		logger:  logger,
	}
}

func (c *sseClient) Tools() []ToolInfo { return c.tools }

// Connect establishes the SSE connection, discovers the JSON-RPC endpoint,
// and fetches the available tools list.
func (c *sseClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		return fmt.Errorf("sse connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("sse status %d", resp.StatusCode)
	}

	// Read the first event to get the JSON-RPC endpoint
	rpcURL, err := c.readEndpointEvent(resp.Body)
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("sse endpoint event: %w", err)
	}
	c.rpcURL = c.resolveURL(rpcURL)
	c.logger.Info("tool-server endpoint discovered",
		zap.String("server", c.name), zap.String("rpc", c.rpcURL))

	// Start background SSE reader
	sseCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readSSE(sseCtx, resp.Body)

	// Fetch tools list
	if err := c.fetchTools(ctx); err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	c.logger.Info("tool-server tools discovered",
		zap.String("server", c.name), zap.Int("count", len(c.tools)))
	return nil
}

// readEndpointEvent reads SSE lines until it finds an "endpoint" event.
func (c *sseClient) readEndpointEvent(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if eventType == "endpoint" {
				return data, nil
			}
		}
	}
	return "", fmt.Errorf("SSE stream ended without endpoint event")
}

// resolveURL turns a relative path into an absolute URL based on sseURL.
func (c *sseClient) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	idx := strings.LastIndex(c.sseURL, "/")
	if idx > 8 { // after "https://"
		return c.sseURL[:idx] + "/" + strings.TrimPrefix(path, "/")
	}
	return c.sseURL + "/" + strings.TrimPrefix(path, "/")
}

// readSSE continuously reads SSE events and dispatches JSON-RPC responses
// to waiting callers via the pending map.
func (c *sseClient) readSSE(ctx context.Context, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	var eventType string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if eventType == "message" {
				c.dispatchResponse([]byte(data))
			}
			eventType = ""
		}
	}
}

// dispatchResponse parses a JSON-RPC response and sends it to the waiting caller.
func (c *sseClient) dispatchResponse(data []byte) {
	var envelope struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-jsonrpc SSE data", zap.String("server", c.name))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[envelope.ID]
	if ok {
		delete(c.pending, envelope.ID)
	}
	c.mu.Unlock()

	if ok {
		if len(envelope.Error) > 0 && string(envelope.Error) != "null" {
			ch <- rpcReply{rpcErr: envelope.Error}
		} else {
			ch <- rpcReply{result: envelope.Result}
		}
	}
}

// rpcReply carries either a JSON-RPC result or the remote error payload.
type rpcReply struct {
	result json.RawMessage
	rpcErr json.RawMessage
}

// sendRPC sends a JSON-RPC request and waits for the response via SSE.
func (c *sseClient) sendRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := int(c.nextID.Add(1))

	ch := make(chan rpcReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	rpcReq := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int         `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()

	// Wait for response via SSE channel
	select {
	case reply, ok := <-ch:
		if !ok {
			// Close ran while we were waiting.
			return nil, fmt.Errorf("connection to %s closed", c.name)
		}
		if len(reply.rpcErr) > 0 {
			return nil, &InvocationError{Server: c.name, Payload: string(reply.rpcErr)}
		}
		return reply.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(rpcTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc timeout for %s", method)
	}
}

// fetchTools calls tools/list on the server and populates c.tools.
func (c *sseClient) fetchTools(ctx context.Context) error {
	result, err := c.sendRPC(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.tools = qualifyTools(c.name, resp.Tools)
	return nil
}

// CallTool invokes a tool on the server and returns the text result.
func (c *sseClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}
	result, err := c.sendRPC(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	return parseToolResult(result), nil
}

// Close shuts down the SSE connection and cleans up pending requests.
func (c *sseClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return nil
}

// qualifyTools stamps each tool with its server-qualified name.
func qualifyTools(server string, tools []ToolInfo) []ToolInfo {
	for i := range tools {
		tools[i].QualifiedName = server + "." + tools[i].Name
	}
	return tools
}

// parseToolResult extracts the first text content block from a tools/call
// result, falling back to the raw JSON.
func parseToolResult(result json.RawMessage) string {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return string(result)
	}
	if len(resp.Content) > 0 {
		return resp.Content[0].Text
	}
	return string(result)
}
