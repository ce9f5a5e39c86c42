package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dshills/receiptscout/internal/app"
	"github.com/dshills/receiptscout/internal/retrieval"
	"github.com/dshills/receiptscout/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "receiptscout"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Retriever answers receipt queries
type Retriever interface {
	Retrieve(ctx context.Context, q types.Query) (retrieval.Result, error)
	MaxCount() int
}

// StatusReporter reports pipeline health
type StatusReporter interface {
	Status(ctx context.Context) (app.Status, error)
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp       *server.MCPServer
	retriever Retriever
	status    StatusReporter
	logger    *zap.Logger
}

// NewServer creates a new MCP server instance
func NewServer(retriever Retriever, status StatusReporter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp:       server.NewMCPServer(ServerName, ServerVersion),
		retriever: retriever,
		status:    status,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// Serve runs the MCP protocol on stdio until ctx is done or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(retrieveReceiptsTool(s.retriever.MaxCount()), s.handleRetrieveReceipts)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
