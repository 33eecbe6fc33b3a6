// Package mcp serves the tool registry over the Model Context Protocol's
// stdio transport.
//
// The stdio peer is the parent process, so the HTTP gateway's origin and
// bearer gates do not apply. Tool failures are reported in-band as results
// with isError set, which is how MCP clients expect tools to fail.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/toolgate/internal/ctxutil"
	"github.com/ashita-ai/toolgate/internal/registry"
)

// Server wraps the mcp-go server with the tool registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	reg       *registry.Registry
	logger    *slog.Logger
}

// New creates an MCP server exposing every tool in reg.
func New(reg *registry.Registry, version string, logger *slog.Logger) *Server {
	s := &Server{
		reg:    reg,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"toolgate",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio reads newline-delimited JSON-RPC from in and writes responses to
// out until in is exhausted or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp: serving stdio", "tools", s.reg.Len())
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	for _, d := range s.reg.List() {
		s.mcpServer.AddTool(
			mcplib.NewToolWithRawSchema(d.Name, d.Description, d.InputSchema),
			s.handler(d.Name),
		)
	}
}

func (s *Server) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args, err := json.Marshal(request.GetRawArguments())
		if err != nil {
			return mcplib.NewToolResultErrorFromErr("Invalid params", err), nil
		}

		ctx = ctxutil.WithCallMeta(ctx, ctxutil.CallMeta{
			RequestID: uuid.NewString(),
			Transport: "stdio",
		})
		out, err := s.reg.Dispatch(ctx, name, args)
		if err != nil {
			return mcplib.NewToolResultError(errorText(err)), nil
		}
		return toResult(out)
	}
}
