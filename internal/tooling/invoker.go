package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shirube/internal/llm"
	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/telemetry"
)

// Observer is told about every tool call as it starts and as it ends.
type Observer interface {
	CallStarted(name, input string)
	CallFinished(rec model.ToolCallRecord)
}

// Outcome is what running a task against the resolved tools produced.
type Outcome struct {
	Trace     []model.ToolCallRecord
	FinalText string
}

// Invoker resolves a plan's tools and lets the model call them to complete
// a task.
type Invoker struct {
	resolver  *Resolver
	client    llm.Client
	maxRounds int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewInvoker creates an invoker. maxRounds <= 0 uses llm.DefaultMaxRounds.
func NewInvoker(resolver *Resolver, client llm.Client, maxRounds int, logger *slog.Logger) *Invoker {
	return &Invoker{
		resolver:  resolver,
		client:    client,
		maxRounds: maxRounds,
		logger:    logger,
		tracer:    telemetry.Tracer("shirube/tooling"),
	}
}

// Invoke connects plan.ToolConfigs and runs task through a tool-calling
// conversation. ExecutionChain is passed to the model as the preferred
// order; the model may call any resolved tool any number of times. obs may
// be nil.
//
// ErrNoTools is returned when no config connects. A model failure returns
// the trace recorded so far along with the error.
func (inv *Invoker) Invoke(ctx context.Context, task string, plan model.Plan, obs Observer) (Outcome, error) {
	sessions, err := inv.resolver.Resolve(ctx, plan.ToolConfigs)
	if err != nil {
		return Outcome{}, err
	}
	defer CloseAll(sessions)

	tools, owners := inv.bind(sessions)
	rec := &recorder{chain: plan.ExecutionChain, owners: owners, obs: obs}

	tr, err := llm.Converse(ctx, inv.client, llm.Conversation{
		System:    executorPrompt(plan, sessions),
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: task}},
		Tools:     tools,
		MaxRounds: inv.maxRounds,
		Observer:  rec,
	})
	out := Outcome{Trace: rec.trace, FinalText: strings.TrimSpace(tr.FinalText)}
	if err != nil {
		return out, fmt.Errorf("tooling: agent loop: %w", err)
	}
	return out, nil
}

type owner struct {
	session *Session
	tool    string
}

// bind exposes every listed tool as a model function. Function names are the
// MCP tool names unless two servers list the same name, in which case both
// are prefixed with their server's config name.
func (inv *Invoker) bind(sessions []*Session) ([]llm.Tool, map[string]owner) {
	counts := make(map[string]int)
	for _, s := range sessions {
		for _, t := range s.Tools {
			counts[t.Name]++
		}
	}

	var tools []llm.Tool
	owners := make(map[string]owner)
	for _, s := range sessions {
		for _, t := range s.Tools {
			fn := FunctionName(t.Name)
			if counts[t.Name] > 1 {
				fn = FunctionName(s.Config.Name + "__" + t.Name)
			}
			if _, dup := owners[fn]; dup {
				continue
			}
			owners[fn] = owner{session: s, tool: t.Name}
			tools = append(tools, llm.Tool{
				Name:        fn,
				Description: t.Description,
				Parameters:  inputSchema(t),
				Call:        inv.caller(s, t.Name),
			})
		}
	}
	return tools, owners
}

func (inv *Invoker) caller(s *Session, tool string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, arguments string) (string, error) {
		ctx, span := inv.tracer.Start(ctx, "tooling.call", trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.server", s.Config.Name),
			attribute.String("tool.transport", string(s.Config.Transport)),
		))
		defer span.End()

		args := map[string]any{}
		if strings.TrimSpace(arguments) != "" {
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				span.SetStatus(codes.Error, "bad arguments")
				return "", fmt.Errorf("arguments are not a JSON object: %w", err)
			}
		}

		res, err := s.caller.CallTool(ctx, mcplib.CallToolRequest{
			Params: mcplib.CallToolParams{Name: tool, Arguments: args},
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			inv.logger.Warn("tooling: call failed", "tool", tool, "server", s.Config.Name, "error", err)
			return "", err
		}
		text := ResultText(res)
		if res.IsError {
			span.SetStatus(codes.Error, "tool reported error")
			if text == "" {
				text = "tool reported an error"
			}
			return "", errors.New(text)
		}
		return text, nil
	}
}

// recorder turns conversation callbacks into labelled trace records.
type recorder struct {
	chain  []string
	owners map[string]owner
	obs    Observer
	trace  []model.ToolCallRecord
}

func (r *recorder) toolName(fn string) string {
	if o, ok := r.owners[fn]; ok {
		return o.tool
	}
	return fn
}

func (r *recorder) CallStarted(fn, input string) {
	if r.obs != nil {
		r.obs.CallStarted(r.toolName(fn), input)
	}
}

func (r *recorder) CallFinished(fn, input, output string, err error) {
	rec := model.ToolCallRecord{
		Name:   r.toolName(fn),
		Server: r.label(fn, len(r.trace)),
		Input:  input,
		Output: output,
		Status: model.CallStatusOK,
	}
	if err != nil {
		rec.Output = err.Error()
		rec.Status = model.CallStatusError
	}
	r.trace = append(r.trace, rec)
	if r.obs != nil {
		r.obs.CallFinished(rec)
	}
}

// label is the server label of the i-th call: the i-th execution chain entry
// while the chain lasts, then the name of the config that owns the tool.
func (r *recorder) label(fn string, i int) string {
	if i < len(r.chain) {
		return r.chain[i]
	}
	if o, ok := r.owners[fn]; ok {
		return o.session.Config.Name
	}
	return ""
}

// ResultText flattens a tool result into text. Non-text content is rendered
// as JSON.
func ResultText(res *mcplib.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := mcplib.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if b, err := json.Marshal(c); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}

// FunctionName maps s onto the character set chat models accept for function
// names.
func FunctionName(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s) && len(b) < 64; i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	if len(b) == 0 {
		return "tool"
	}
	return string(b)
}

func inputSchema(t mcplib.Tool) any {
	if len(t.RawInputSchema) > 0 {
		return json.RawMessage(t.RawInputSchema)
	}
	schema := t.InputSchema
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	return schema
}

func executorPrompt(plan model.Plan, sessions []*Session) string {
	var b strings.Builder
	b.WriteString("You complete the user's task by calling the available tools. ")
	b.WriteString("Call tools as often as needed, then answer with a short plain-text account of what the tools returned.\n")
	if len(plan.ExecutionChain) > 0 {
		fmt.Fprintf(&b, "Preferred order of tools: %s. Deviate when a tool fails or is not useful.\n",
			strings.Join(plan.ExecutionChain, " -> "))
	}
	if plan.Instructions != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", plan.Instructions)
	}
	b.WriteString("Connected servers:")
	for _, s := range sessions {
		names := make([]string, 0, len(s.Tools))
		for _, t := range s.Tools {
			names = append(names, t.Name)
		}
		fmt.Fprintf(&b, "\n- %s (%s): %s", s.Config.Name, s.Config.Transport, strings.Join(names, ", "))
	}
	return b.String()
}
