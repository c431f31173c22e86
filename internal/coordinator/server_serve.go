package coordinator

import (
	"go.uber.org/zap"

	"github.com/mark3labs/mcp-go/server"
)

// Startup methods live here because they block; they are covered by
// integration rather than unit tests.

// Serve starts the MCP server with stdio transport.
func (ms *MCPServer) Serve() error {
	ms.logger.Info("starting MCP server", zap.String("transport", "stdio"))
	return server.ServeStdio(ms.server)
}

// ServeHTTP starts the MCP server with HTTP/SSE transport on addr.
func (ms *MCPServer) ServeHTTP(addr string) error {
	ms.logger.Info("starting MCP server",
		zap.String("transport", "http/sse"),
		zap.String("address", addr),
	)
	sseServer := server.NewSSEServer(ms.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
	return sseServer.Start(addr)
}
