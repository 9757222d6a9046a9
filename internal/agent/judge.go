package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/shirube/internal/llm"
	"github.com/ashita-ai/shirube/internal/model"
)

const judgeSystem = `You verify whether a task was actually completed.
You receive the Objective and the Evidence gathered while executing it. Judge
only from the evidence; do not assume work that is not shown. Set judge to
true only if the objective is satisfied. Give score from 1 to 100 for how
completely it is satisfied. For every tool that appears in the call trace add
one tool_assessment: tool_ref is the tool name, server is the server label
shown in the trace, status is success, error or skipped, micro_score rates
that tool's contribution from 0 to 100. Reply with JSON only.`

// Judge verifies executor output against the task.
type Judge struct {
	client   llm.Client
	contract *llm.Contract[model.VerificationResult]
	logger   *slog.Logger
}

// NewJudge creates a judge backed by client.
func NewJudge(client llm.Client, logger *slog.Logger) *Judge {
	return &Judge{
		client:   client,
		contract: llm.MustContract[model.VerificationResult]("verification"),
		logger:   logger,
	}
}

// Contract is the schema verification results are validated against.
func (j *Judge) Contract() *llm.Contract[model.VerificationResult] { return j.contract }

// Verify asks the model to judge evidence against objective.
func (j *Judge) Verify(ctx context.Context, objective, evidence string) llm.Result[model.VerificationResult] {
	return llm.InvokeStructured(ctx, j.client, j.contract, llm.Conversation{
		System: judgeSystem,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: "Objective:\n" + objective + "\n\nEvidence:\n" + evidence,
		}},
	})
}

// Objective is the task plus the plan's instructions.
func Objective(task, instructions string) string {
	if instructions == "" {
		return task
	}
	return task + "\n\nInstructions:\n" + instructions
}

// Evidence summarizes the step log, the tool call trace and the fact.
func Evidence(steps []model.StepTrace, calls []model.ToolCallRecord, fact string) string {
	var b strings.Builder
	b.WriteString("Steps:\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "- %s [%s] %s\n", s.Name, s.Status, oneLine(s.Output, 300))
	}
	b.WriteString("\nTool calls:\n")
	if len(calls) == 0 {
		b.WriteString("(none)\n")
	}
	for i, c := range calls {
		fmt.Fprintf(&b, "%d. %s @ %s [%s] input=%s output=%s\n",
			i+1, c.Name, c.Server, c.Status, oneLine(c.Input, 500), oneLine(c.Output, 2000))
	}
	b.WriteString("\nFact:\n")
	b.WriteString(fact)
	return b.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
