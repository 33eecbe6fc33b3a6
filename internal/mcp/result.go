package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/toolgate/internal/capability"
	"github.com/ashita-ai/toolgate/internal/redact"
	"github.com/ashita-ai/toolgate/internal/registry"
)

// toResult renders a handler result. Objects are also attached as structured
// content.
func toResult(v any) (*mcplib.CallToolResult, error) {
	if s, ok := v.(string); ok {
		return mcplib.NewToolResultText(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode result: %w", err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		return mcplib.NewToolResultStructured(v, string(b)), nil
	}
	return mcplib.NewToolResultText(string(b)), nil
}

// errorText describes a Dispatch error for an isError result, using the same
// taxonomy as the HTTP gateway's error codes.
func errorText(err error) string {
	var ve *registry.ValidationError
	if errors.As(err, &ve) {
		parts := make([]string, 0, len(ve.Violations))
		for _, v := range ve.Violations {
			parts = append(parts, v.Path+": "+v.Message)
		}
		return "Invalid params: " + strings.Join(parts, "; ")
	}
	if ce, ok := capability.As(err); ok {
		return fmt.Sprintf("Capability denied (%s/%s): %s", ce.Guard, ce.Reason, redact.Diagnostic(ce.Error()))
	}
	return "Internal error: " + redact.Diagnostic(err.Error())
}
