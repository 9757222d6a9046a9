package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/shirube/internal/llm"
	"github.com/ashita-ai/shirube/internal/model"
)

// SearchToolName is the function the planner model calls to discover tools.
const SearchToolName = "search_tools"

const plannerSystem = `You plan how to complete a user's task with external tools.
Use the search_tools function to find catalog tools relevant to the task. Only
plan tools that search_tools returned, copying name, transport,
endpoint_or_command and args exactly. Put the tools in execution_chain in the
order they should preferably be tried. Write short, concrete instructions for
the executor. Reply with the plan as JSON.`

// Attempt is the outcome of one planning call.
type Attempt struct {
	Result llm.Result[model.Plan]
	// RankingErr is the last tool search failure seen while planning.
	RankingErr error
	Searches   int
}

// Planner produces a Plan for a task with a model that can search the tool
// catalog.
type Planner struct {
	client    llm.Client
	discovery *Discovery
	contract  *llm.Contract[model.Plan]
	maxRounds int
	logger    *slog.Logger
}

// NewPlanner creates a planner. maxRounds bounds search_tools rounds.
func NewPlanner(client llm.Client, discovery *Discovery, maxRounds int, logger *slog.Logger) *Planner {
	return &Planner{
		client:    client,
		discovery: discovery,
		contract:  llm.MustContract[model.Plan]("plan"),
		maxRounds: maxRounds,
		logger:    logger,
	}
}

// Contract is the schema plans are validated against.
func (p *Planner) Contract() *llm.Contract[model.Plan] { return p.contract }

// Plan asks the model for a plan. Candidates found for keywords extracted
// from the task are offered up front; the model may search again with its
// own keywords. priorInstructions carries the last plan's instructions when
// replanning.
func (p *Planner) Plan(ctx context.Context, task, priorInstructions string, identity model.Identity) Attempt {
	var att Attempt

	find := func(ctx context.Context, keyword string) (string, error) {
		att.Searches++
		resp, err := p.discovery.Find(ctx, keyword, identity)
		if err != nil {
			att.RankingErr = err
			p.logger.Warn("agent: tool search failed", "keyword", keyword, "error", err)
			return "", err
		}
		return Describe(resp), nil
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Task:\n%s\n", task)
	if priorInstructions != "" {
		fmt.Fprintf(&user, "\nA previous plan did not pass verification. Its instructions were:\n%s\nPlan differently.\n", priorInstructions)
	}
	if kw := Keywords(task, 8); kw != "" {
		if found, err := find(ctx, kw); err == nil {
			fmt.Fprintf(&user, "\nCandidate tools for %q:\n%s\n", kw, found)
		}
	}

	att.Result = llm.InvokeStructured(ctx, p.client, p.contract, llm.Conversation{
		System:    plannerSystem,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: user.String()}},
		MaxRounds: p.maxRounds,
		Tools: []llm.Tool{{
			Name:        SearchToolName,
			Description: "Search the tool catalog by free-text keywords. Returns ranked tools with their invocation configs.",
			Parameters:  searchToolsSchema,
			Call: func(ctx context.Context, arguments string) (string, error) {
				var args struct {
					Keyword string `json:"keyword"`
				}
				if err := json.Unmarshal([]byte(arguments), &args); err != nil {
					return "", fmt.Errorf("arguments must be {\"keyword\": string}: %w", err)
				}
				if strings.TrimSpace(args.Keyword) == "" {
					return "", fmt.Errorf("keyword is required")
				}
				return find(ctx, args.Keyword)
			},
		}},
	})
	return att
}

var searchToolsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"keyword": map[string]any{
			"type":        "string",
			"description": "Free-text keywords describing the capability needed",
		},
	},
	"required":             []string{"keyword"},
	"additionalProperties": false,
}

// FailedPlan is the plan recorded when planning produced nothing usable.
func FailedPlan(reason string) model.Plan {
	return model.Plan{
		ExecutionChain: []string{},
		ToolConfigs:    []model.ToolConfig{},
		Instructions:   "planning failed: " + reason,
	}
}
