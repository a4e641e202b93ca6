// mock-toolserver is a stdio tool-server used for local development and
// integration testing. It speaks line-delimited JSON-RPC on stdin/stdout and
// exposes a small fixed tool catalog.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

var catalog = []toolDef{
	{
		Name:        "echo",
		Description: "Echoes the text argument back",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []string{"text"},
		},
	},
	{
		Name:        "now",
		Description: "Returns the current time in RFC 3339",
	},
	{
		Name:        "upper",
		Description: "Uppercases the text argument",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []string{"text"},
		},
	},
}

func main() {
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		resp := response{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "tools/list":
			resp.Result = map[string]interface{}{"tools": catalog}
		case "tools/call":
			resp = handleCall(req)
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
		}
		out.Encode(resp)
	}
}

func handleCall(req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}

	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		resp.Error = &rpcError{Code: -32602, Message: "invalid params"}
		return resp
	}

	text, ok := params.Arguments["text"].(string)
	switch params.Name {
	case "echo":
		if !ok {
			resp.Error = &rpcError{Code: -32602, Message: "echo: text argument required"}
			return resp
		}
		resp.Result = textResult(text)
	case "now":
		resp.Result = textResult(time.Now().Format(time.RFC3339))
	case "upper":
		if !ok {
			resp.Error = &rpcError{Code: -32602, Message: "upper: text argument required"}
			return resp
		}
		resp.Result = textResult(strings.ToUpper(text))
	default:
		resp.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("unknown tool %q", params.Name)}
	}
	return resp
}

// textResult wraps a string in the content shape the clients expect.
func textResult(s string) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": s},
		},
	}
}
