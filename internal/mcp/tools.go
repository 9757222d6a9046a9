package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/service/runs"
)

const runSubject = "mcp"

func (s *Server) registerTools() {
	// search_tools: hybrid ranking over the catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_tools",
			mcplib.WithDescription(`Rank catalog tools for a need.

Each result carries a semantic score (how well the description matches the
query), a normalized trust score (how reliably the tool has performed) and
their weighted total. When no embedding is available the results come from a
keyword match ordered by trust and "fallback" is true.

EXAMPLE: query="current weather forecast for a city", top_k=3`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of the capability you need"),
				mcplib.Required(),
			),
			mcplib.WithArray("allowed_ids",
				mcplib.Description("Optional: restrict ranking to these catalog ids (at most 1000)"),
				mcplib.Items(map[string]any{"type": "integer"}),
			),
			mcplib.WithNumber("alpha",
				mcplib.Description("Weight of semantic relevance against trust (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("theta",
				mcplib.Description("Minimum semantic score a result must reach (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("top_n",
				mcplib.Description("Nearest neighbours considered before fusion"),
				mcplib.Min(1),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
			),
		),
		s.handleSearchTools,
	)

	// run_task: plan, execute and verify a task end to end.
	s.mcpServer.AddTool(
		mcplib.NewTool("run_task",
			mcplib.WithDescription(`Run a task through shirube's plan, execute and verify loop.

shirube searches the catalog for suitable tools, connects to them, lets a
model call them, and has a judge verify the result. Failed verifications are
replanned until a result passes or the step budget is spent.

WHAT YOU GET BACK: run_id, passed, fact (the tool call trace and result),
summary, steps_taken, max_steps, score and any recorded errors.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("task",
				mcplib.Description("What you want done, in plain language"),
				mcplib.Required(),
			),
			mcplib.WithNumber("max_steps",
				mcplib.Description("Step budget for the run"),
				mcplib.Min(1),
				mcplib.Max(model.MaxRunSteps),
			),
			mcplib.WithArray("allowed_tool_ids",
				mcplib.Description("Optional: only let the run use these catalog ids"),
				mcplib.Items(map[string]any{"type": "integer"}),
			),
			mcplib.WithBoolean("require_network_tools",
				mcplib.Description("Only connect to network tools; local process tools are skipped"),
			),
		),
		s.handleRunTask,
	)
}

func (s *Server) handleSearchTools(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := request.GetArguments()
	allowed, err := int64Slice(args, "allowed_ids")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req := model.SearchToolsRequest{
		Query:      request.GetString("query", ""),
		AllowedIDs: allowed,
	}
	if v, ok := number(args, "alpha"); ok {
		req.Alpha = &v
	}
	if v, ok := number(args, "theta"); ok {
		req.Theta = &v
	}
	if req.TopN, err = optionalInt(args, "top_n"); err != nil {
		return errorResult(err.Error()), nil
	}
	if req.TopK, err = optionalInt(args, "top_k"); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	p := s.searcher.Defaults()
	if req.Alpha != nil {
		p.Alpha = *req.Alpha
	}
	if req.Theta != nil {
		p.Theta = *req.Theta
	}
	if req.TopN != nil {
		p.TopN = *req.TopN
	}
	if req.TopK != nil {
		p.TopK = *req.TopK
	}

	resp, err := s.searcher.Search(ctx, req.Query, req.AllowedIDs, p)
	if err != nil {
		s.logger.Warn("mcp: search_tools failed", "error", err)
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	results := resp.Results
	if results == nil {
		results = []model.RankedCandidate{}
	}
	return jsonResult(model.SearchToolsResponse{Results: results, Fallback: resp.Fallback})
}

func (s *Server) handleRunTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := request.GetArguments()
	allowed, err := int64Slice(args, "allowed_tool_ids")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req := model.RunRequest{
		Task:           request.GetString("task", ""),
		AllowedToolIDs: allowed,
	}
	if v, ok := number(args, "max_steps"); ok {
		steps := int(v)
		req.MaxSteps = &steps
	}
	if v, ok := args["require_network_tools"].(bool); ok {
		req.RequireNetworkTools = &v
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	summary := s.runner.Run(ctx, runs.Request(req, runSubject))
	return jsonResult(summary)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// number reads an optional numeric argument. JSON numbers decode as float64.
func number(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// optionalInt reads an optional integral number.
func optionalInt(args map[string]any, key string) (*int, error) {
	f, ok := number(args, key)
	if !ok {
		return nil, nil
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	n := int(f)
	return &n, nil
}

// int64Slice reads an optional array of integral ids.
func int64Slice(args map[string]any, key string) ([]int64, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []int64:
		return v, nil
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			f, ok := number(map[string]any{"v": item}, "v")
			if !ok || f != math.Trunc(f) {
				return nil, fmt.Errorf("%s must be an array of integer ids", key)
			}
			out = append(out, int64(f))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be an array of integer ids", key)
	}
}
