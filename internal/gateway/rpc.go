package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/toolgate/internal/capability"
	"github.com/ashita-ai/toolgate/internal/redact"
	"github.com/ashita-ai/toolgate/internal/registry"
)

// ProtocolVersion is reported by initialize.
const ProtocolVersion = "2025-03-26"

// CodeCapabilityDenied is the JSON-RPC error code for a call refused by a
// capability guard.
const CodeCapabilityDenied = -32001

// request is the inbound envelope. ID stays raw so a missing id
// (a notification) can be told apart from "id": null.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type listResult struct {
	Tools []registry.Descriptor `json:"tools"`
}

// callResult is the tools/call success shape. isError is always present.
type callResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

type contentBlock struct {
	Type string          `json:"type"`
	JSON json.RawMessage `json:"json,omitempty"`
	Text *string         `json:"text,omitempty"`
}

// violation is the wire form of a schema violation in -32602 data.
type violation struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword"`
	Message string `json:"message"`
}

// rpcError carries a JSON-RPC error out of the routing functions.
type rpcError struct {
	code    int
	message string
	data    any
}

func (e *rpcError) Error() string { return e.message }

// Handle processes one JSON-RPC payload and returns the encoded response.
// ok is false for notifications, which get no response.
func (g *Gateway) Handle(ctx context.Context, payload []byte) (resp []byte, ok bool) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		if json.Valid(payload) {
			return encode(errorResponse(mcp.RequestId{}, &rpcError{code: mcp.INVALID_REQUEST, message: "Invalid Request"})), true
		}
		return encode(errorResponse(mcp.RequestId{}, &rpcError{code: mcp.PARSE_ERROR, message: "Parse error"})), true
	}

	var id mcp.RequestId
	hasID := len(req.ID) > 0
	if hasID {
		if err := json.Unmarshal(req.ID, &id); err != nil {
			return encode(errorResponse(mcp.RequestId{}, &rpcError{code: mcp.INVALID_REQUEST, message: "Invalid Request"})), true
		}
	}
	if req.JSONRPC != mcp.JSONRPC_VERSION || req.Method == "" {
		return encode(errorResponse(id, &rpcError{code: mcp.INVALID_REQUEST, message: "Invalid Request"})), true
	}
	if !hasID {
		g.logger.DebugContext(ctx, "gateway: notification", "method", req.Method)
		return nil, false
	}

	result, err := g.route(ctx, req)
	if err != nil {
		var re *rpcError
		if !errors.As(err, &re) {
			re = &rpcError{code: mcp.INTERNAL_ERROR, message: "Internal error", data: redact.Diagnostic(err.Error())}
		}
		return encode(errorResponse(id, re)), true
	}
	return encode(mcp.NewJSONRPCResultResponse(id, result)), true
}

func (g *Gateway) route(ctx context.Context, req request) (any, error) {
	switch req.Method {
	case "initialize":
		return g.initialize(), nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return listResult{Tools: g.reg.List()}, nil
	case "tools/call":
		return g.call(ctx, req.Params)
	}
	return nil, &rpcError{code: mcp.METHOD_NOT_FOUND, message: "Method not found: " + req.Method}
}

func (g *Gateway) initialize() mcp.InitializeResult {
	res := mcp.InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      mcp.Implementation{Name: g.name, Version: g.version},
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}
	return res
}

func (g *Gateway) call(ctx context.Context, raw json.RawMessage) (any, error) {
	var p callParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return nil, &rpcError{code: mcp.INVALID_PARAMS, message: "Invalid params: name is required"}
	}

	out, err := g.reg.Dispatch(ctx, p.Name, p.Arguments)
	if err != nil {
		return nil, mapError(p.Name, err)
	}
	block, err := toBlock(out)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", p.Name, err)
	}
	return callResult{Content: []contentBlock{block}}, nil
}

// mapError converts a Dispatch error to its JSON-RPC form.
func mapError(tool string, err error) *rpcError {
	var ve *registry.ValidationError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return &rpcError{code: mcp.METHOD_NOT_FOUND, message: "Tool not found: " + tool}
	case errors.As(err, &ve):
		vs := make([]violation, 0, len(ve.Violations))
		for _, v := range ve.Violations {
			vs = append(vs, violation{Path: v.Path, Keyword: v.Keyword, Message: v.Message})
		}
		return &rpcError{
			code:    mcp.INVALID_PARAMS,
			message: "Invalid params",
			data:    map[string]any{"errors": vs},
		}
	}
	if ce, ok := capability.As(err); ok {
		return &rpcError{
			code:    CodeCapabilityDenied,
			message: "Capability denied: " + redact.Diagnostic(ce.Error()),
			data:    map[string]string{"guard": ce.Guard, "reason": ce.Reason},
		}
	}
	return &rpcError{code: mcp.INTERNAL_ERROR, message: "Internal error", data: redact.Diagnostic(err.Error())}
}

// toBlock renders a handler result: objects and arrays as a json block,
// strings verbatim as text, other scalars as their JSON text.
func toBlock(v any) (contentBlock, error) {
	if s, ok := v.(string); ok {
		return contentBlock{Type: "text", Text: &s}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return contentBlock{}, err
	}
	if t := bytes.TrimSpace(b); len(t) > 0 && (t[0] == '{' || t[0] == '[') {
		return contentBlock{Type: "json", JSON: b}, nil
	}
	s := strings.TrimSpace(string(b))
	return contentBlock{Type: "text", Text: &s}, nil
}

func errorResponse(id mcp.RequestId, e *rpcError) mcp.JSONRPCError {
	return mcp.NewJSONRPCError(id, e.code, e.message, e.data)
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every response type here marshals; a failure is a programming error.
		b, _ = json.Marshal(mcp.NewJSONRPCError(mcp.RequestId{}, mcp.INTERNAL_ERROR, "Internal error", nil))
	}
	return b
}
