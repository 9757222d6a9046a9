package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	catalogURI     = "shirube://tools"
	toolURIPrefix  = "shirube://tools/"
	trustURISuffix = "/trust"
)

func (s *Server) registerResources() {
	// shirube://tools: the first page of the catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			catalogURI,
			"Tool Catalog",
			mcplib.WithResourceDescription("Registered tools with their transport and current trust score"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCatalog,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"shirube://tools/{id}",
			"Tool",
			mcplib.WithTemplateDescription("One catalog entry"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTool,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"shirube://tools/{id}/trust",
			"Tool Trust History",
			mcplib.WithTemplateDescription("Most recent trust score transitions of a catalog entry"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTrustHistory,
	)
}

func (s *Server) handleCatalog(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tools, err := s.catalog.List(ctx, 100, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list catalog: %w", err)
	}
	return jsonResource(catalogURI, map[string]any{"tools": tools, "total": len(tools)})
}

func (s *Server) handleTool(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := toolIDFromURI(uri, "")
	if err != nil {
		return nil, err
	}
	tool, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: tool %d: %w", id, err)
	}
	return jsonResource(uri, tool)
}

func (s *Server) handleTrustHistory(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := toolIDFromURI(uri, trustURISuffix)
	if err != nil {
		return nil, err
	}
	events, err := s.catalog.TrustHistory(ctx, id, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: trust history %d: %w", id, err)
	}
	return jsonResource(uri, map[string]any{"tool_id": id, "events": events})
}

// toolIDFromURI parses shirube://tools/{id}<suffix>.
func toolIDFromURI(uri, suffix string) (int64, error) {
	rest, ok := strings.CutPrefix(uri, toolURIPrefix)
	if ok {
		rest, ok = strings.CutSuffix(rest, suffix)
	}
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return 0, fmt.Errorf("mcp: invalid tool URI: %s", uri)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: invalid tool id in URI: %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
