package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// stdioClient launches the tool-server as a local subprocess and speaks
// line-delimited JSON-RPC over its stdin/stdout. Responses are matched to
// waiting callers by request id, mirroring the SSE transport.
type stdioClient struct {
	name    string
	command []string
	env     map[string]string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	tools   []ToolInfo
	pending map[int]chan rpcReply
	nextID  atomic.Int64
	mu      sync.Mutex
	logger  *zap.Logger
}

func newStdioClient(cfg ServerConfig, logger *zap.Logger) *stdioClient {
	return &stdioClient{
		name:    cfg.Name,
		command: cfg.Command,
		env:     cfg.Env,
		pending: make(map[int]chan rpcReply),
		logger:  logger,
	}
}

func (c *stdioClient) Tools() []ToolInfo { return c.tools }

// Connect starts the subprocess and fetches the tool catalog.
func (c *stdioClient) Connect(ctx context.Context) error {
	cmd := exec.Command(c.command[0], c.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.command[0], err)
	}
	c.cmd = cmd
	c.stdin = stdin

	go c.readResponses(stdout)

	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("list tools: %w", err)
	}
	c.logger.Info("tool-server tools discovered",
		zap.String("server", c.name), zap.Int("count", len(c.tools)))
	return nil
}

// readResponses scans stdout lines and dispatches JSON-RPC responses to
// waiting callers. Non-JSON lines from the subprocess are ignored.
func (c *stdioClient) readResponses(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var envelope struct {
			ID     int             `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &envelope); err != nil {
			continue
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
}

// sendRPC writes one JSON-RPC request line and waits for its response.
func (c *stdioClient) sendRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
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
	body = append(body, '\n')

	c.mu.Lock()
	_, err = c.stdin.Write(body)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write rpc: %w", err)
	}

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

// fetchTools calls tools/list on the subprocess and populates c.tools.
func (c *stdioClient) fetchTools(ctx context.Context) error {
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

// CallTool invokes a tool on the subprocess and returns the text result.
func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
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

// Close terminates the subprocess and cleans up pending requests.
func (c *stdioClient) Close() error {
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return nil
}
