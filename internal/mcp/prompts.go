package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// find-tools: guides the agent through ranking before it commits to a tool.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("find-tools",
			mcplib.WithPromptDescription("Find trusted catalog tools for a need before calling any"),
			mcplib.WithArgument("need",
				mcplib.ArgumentDescription("The capability you are looking for (e.g., city weather forecast, PDF text extraction)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleFindToolsPrompt,
	)

	// agent-setup: system prompt snippet explaining when to delegate to run_task.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to use shirube's catalog and verified runs"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleFindToolsPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	need := request.Params.Arguments["need"]
	if need == "" {
		return nil, fmt.Errorf("need argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Find tools for: %s", need),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before calling any tool for "%s", follow these steps:

1. CALL search_tools with query="%s".

2. REVIEW the results:
   - total_score combines description match and track record. Prefer the top result.
   - A low trust_score_norm means the tool has failed or been skipped in past runs.
   - If fallback is true the ranking is keyword based; read the descriptions carefully.
   - If nothing comes back, rephrase the need with more concrete nouns and try again.

3. If you would rather not wire the tool yourself, CALL run_task with the full
   task. shirube will pick tools, call them and verify the answer for you.`, need, need),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "shirube tool catalog workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to shirube, a catalog of MCP tools ranked by relevance and
by how reliably each tool has performed in verified runs.

## Available Tools

- search_tools: Rank catalog tools for a need. Read-only.
- run_task: Hand a whole task to shirube. It plans which tools to use, calls
  them, has a judge verify the result and retries with a new plan when the
  verification fails.

## When to use which

Use search_tools when you want to call a tool yourself and need to know which
one. Use run_task when the task is self-contained and you want a verified
answer back. run_task returns passed=false with a summary when no plan passed
within the step budget; do not present its fact as an answer in that case.

## Resources

- shirube://tools lists the catalog.
- shirube://tools/{id} reads one entry.
- shirube://tools/{id}/trust shows how its trust score moved over recent runs.`,
				},
			},
		},
	}, nil
}
