// Package mcp implements the Model Context Protocol server for shirube.
//
// The MCP server exposes the same capabilities as the HTTP API: hybrid tool
// ranking as the search_tools tool, synchronous pipeline runs as run_task,
// and the tool catalog as resources.
package mcp

import (
	"context"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/pipeline"
	"github.com/ashita-ai/shirube/internal/search"
)

// Searcher ranks catalog entries against a query.
type Searcher interface {
	Search(ctx context.Context, query string, allowedIDs []int64, p model.RankParams) (search.Response, error)
	Defaults() model.RankParams
}

// Runner executes a pipeline run to completion.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) model.RunSummary
}

// Catalog reads catalog entries and their trust history.
type Catalog interface {
	Get(ctx context.Context, id int64) (model.ToolCandidate, error)
	List(ctx context.Context, limit, offset int) ([]model.ToolCandidate, error)
	TrustHistory(ctx context.Context, id int64, limit int) ([]model.TrustEvent, error)
}

// Server wraps the MCP server with shirube's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	searcher  Searcher
	runner    Runner
	catalog   Catalog
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts
// and tools.
func New(searcher Searcher, runner Runner, catalog Catalog, logger *slog.Logger, version string) *Server {
	s := &Server{
		searcher: searcher,
		runner:   runner,
		catalog:  catalog,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shirube",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions("shirube picks MCP tools for a task from a trust-ranked catalog. "+
			"Use search_tools to see which catalog tools match a need, "+
			"or run_task to have shirube plan, call the tools and verify the result."),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
