// Package mcpserver exposes the tool executor over the Model Context
// Protocol's stdio transport, so an external MCP client can invoke the same
// four sandboxed tools the agent loop drives, under identical sandbox and
// permission semantics.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/jmeyers35/twiddle/internal/executor"
	"github.com/jmeyers35/twiddle/internal/toolschema"
)

const protocolVersion = "2024-11-05"

// jsonrpcRequest is a JSON-RPC 2.0 request or notification (ID omitted for
// notifications).
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternalError  = -32603
)

// Bridge drives one MCP stdio session against a fixed tool executor.
type Bridge struct {
	exec *executor.Executor
	in   *bufio.Scanner
	out  io.Writer
}

// New constructs a Bridge reading line-delimited JSON-RPC requests from in
// and writing line-delimited JSON-RPC responses to out.
func New(exec *executor.Executor, in io.Reader, out io.Writer) *Bridge {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Bridge{exec: exec, in: scanner, out: out}
}

// Serve reads requests until in reaches EOF, ctx is canceled, or a
// transport-level read/write error occurs. Per-request errors are reported
// as JSON-RPC error responses, not returned from Serve.
func (b *Bridge) Serve(ctx context.Context) error {
	for b.in.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := b.in.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := b.write(jsonrpcResponse{JSONRPC: "2.0", Error: &jsonrpcError{Code: errCodeInvalidParams, Message: "malformed request: " + err.Error()}}); err != nil {
				return err
			}
			continue
		}

		// Notifications carry no id and get no response.
		if len(req.ID) == 0 {
			continue
		}

		resp := b.dispatch(ctx, req)
		resp.JSONRPC = "2.0"
		resp.ID = req.ID
		if err := b.write(resp); err != nil {
			return err
		}
	}
	return b.in.Err()
}

func (b *Bridge) write(resp jsonrpcResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("mcpserver: marshal response: %w", err)
	}
	if _, err := b.out.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("mcpserver: write response: %w", err)
	}
	return nil
}

func (b *Bridge) dispatch(ctx context.Context, req jsonrpcRequest) jsonrpcResponse {
	switch req.Method {
	case "initialize":
		return jsonrpcResponse{Result: initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    capabilities{Tools: &toolsCapability{}},
			ServerInfo:      serverInfo{Name: "twiddle", Version: "0.1"},
		}}
	case "tools/list":
		return jsonrpcResponse{Result: listToolsResult{Tools: buildMCPTools()}}
	case "tools/call":
		return b.callTool(ctx, req.Params)
	default:
		return jsonrpcResponse{Error: &jsonrpcError{Code: errCodeMethodNotFound, Message: "method not found: " + req.Method}}
	}
}

func (b *Bridge) callTool(ctx context.Context, params json.RawMessage) jsonrpcResponse {
	var call callToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return jsonrpcResponse{Error: &jsonrpcError{Code: errCodeInvalidParams, Message: "invalid tools/call params: " + err.Error()}}
	}

	argumentsJSON := string(call.Arguments)
	if argumentsJSON == "" {
		argumentsJSON = "{}"
	}

	outcome, err := b.exec.Execute(ctx, executor.Invocation{
		ID:            uuid.NewString(),
		Name:          call.Name,
		ArgumentsJSON: argumentsJSON,
	})
	if err != nil {
		if execErr, ok := err.(*executor.Error); ok && execErr.Kind == executor.KindUnknownTool {
			return jsonrpcResponse{Error: &jsonrpcError{Code: errCodeMethodNotFound, Message: execErr.Msg}}
		}
		return jsonrpcResponse{Result: toolCallResult{
			Content: []toolResultContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		}}
	}
	if !outcome.Success {
		return jsonrpcResponse{Result: toolCallResult{
			Content: []toolResultContent{{Type: "text", Text: outcome.Message}},
			IsError: true,
		}}
	}
	return jsonrpcResponse{Result: toolCallResult{
		Content: []toolResultContent{{Type: "text", Text: string(outcome.Payload)}},
	}}
}

// buildMCPTools renders the compile-time tool registry as MCP tool
// descriptors, sharing the same JSON-Schema-object shape the chat client
// advertises to the model.
func buildMCPTools() []mcpTool {
	schemas := toolschema.All()
	tools := make([]mcpTool, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, mcpTool{
			Name:        s.ID,
			Description: s.Description,
			InputSchema: inputSchema(s.Parameters),
		})
	}
	return tools
}

func inputSchema(params []toolschema.Parameter) json.RawMessage {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		doc["required"] = required
	}
	b, _ := json.Marshal(doc)
	return b
}
