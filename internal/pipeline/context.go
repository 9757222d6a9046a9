package pipeline

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/shirube/internal/model"
)

// Emitter receives pipeline events in the order they happen.
type Emitter interface {
	Emit(eventType model.EventType, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(eventType model.EventType, payload any) error

func (f EmitterFunc) Emit(eventType model.EventType, payload any) error { return f(eventType, payload) }

type discard struct{}

func (discard) Emit(model.EventType, any) error { return nil }

// RunContext is the state of one pipeline run. Steps mutate it in place; the
// engine runs them one at a time.
type RunContext struct {
	RunID               string
	Task                string
	Identity            model.Identity
	RequireNetworkTools bool

	// Plan is nil when the last verification did not pass and a new plan
	// is needed.
	Plan *model.Plan
	// PriorInstructions holds the instructions of the plan that was last
	// discarded, for the planner to improve on.
	PriorInstructions string
	// Fact is nil until the executor has run against the current plan.
	Fact        *string
	ToolCalls   []model.ToolCallRecord
	Steps       []model.StepTrace
	CheckResult *model.VerificationResult
	Errors      []string
	NameToID    map[string]int64
	TrustEvents []model.TrustEvent

	StepsTaken int
	MaxSteps   int

	// planFailed is set while Plan is the placeholder of a failed planning
	// pass. The executor skips it and it is never offered for replanning.
	planFailed bool

	emitter Emitter
}

// Passed reports whether the last verification passed.
func (rc *RunContext) Passed() bool {
	return rc.CheckResult != nil && rc.CheckResult.Passed()
}

func (rc *RunContext) emit(eventType model.EventType, payload any) error {
	return rc.emitter.Emit(eventType, payload)
}

func (rc *RunContext) pass(step, output string) {
	rc.Steps = append(rc.Steps, model.StepTrace{Name: step, Status: model.StepPassed, Output: output})
}

// fail records a failed step. The output always names the failing stage.
func (rc *RunContext) fail(step string, err *StageError) {
	rc.Steps = append(rc.Steps, model.StepTrace{Name: step, Status: model.StepFailed, Output: err.Error()})
	rc.recordError(err)
}

func (rc *RunContext) recordError(err *StageError) {
	rc.Errors = append(rc.Errors, err.Tag()+": "+err.Err.Error())
}

func (rc *RunContext) setFact(fact string) {
	rc.Fact = &fact
}

// Summary describes how the run ended.
func (rc *RunContext) Summary() model.RunSummary {
	s := model.RunSummary{
		RunID:      rc.RunID,
		Task:       rc.Task,
		Passed:     rc.Passed(),
		StepsTaken: rc.StepsTaken,
		MaxSteps:   rc.MaxSteps,
		Errors:     rc.Errors,
	}
	if rc.Fact != nil {
		s.Fact = *rc.Fact
	}
	if rc.CheckResult != nil {
		score := rc.CheckResult.Score
		s.Score = &score
	}

	ended := fmt.Sprintf("step budget of %d exhausted", rc.MaxSteps)
	if rc.StepsTaken < rc.MaxSteps {
		ended = fmt.Sprintf("run stopped after %d steps", rc.StepsTaken)
	}
	switch {
	case s.Passed:
		s.Summary = fmt.Sprintf("passed verification with score %d after %d of %d steps", rc.CheckResult.Score, rc.StepsTaken, rc.MaxSteps)
	case rc.CheckResult != nil:
		s.Summary = fmt.Sprintf("failed: %s; last verification scored %d: %s", ended, rc.CheckResult.Score, rc.CheckResult.Reasoning)
	default:
		reason := "no verification was reached"
		if last, ok := rc.lastFailure(); ok {
			reason = last.Name + ": " + last.Output
		}
		s.Summary = fmt.Sprintf("failed: %s; %s", ended, reason)
	}
	return s
}

func (rc *RunContext) lastFailure() (model.StepTrace, bool) {
	for i := len(rc.Steps) - 1; i >= 0; i-- {
		if rc.Steps[i].Status == model.StepFailed {
			return rc.Steps[i], true
		}
	}
	return model.StepTrace{}, false
}

// traceText renders a call trace and the agent's final text as the
// executor's fact.
func traceText(calls []model.ToolCallRecord, final string) string {
	var b strings.Builder
	for i, c := range calls {
		fmt.Fprintf(&b, "%d. %s@%s [%s]: %s\n", i+1, c.Name, c.Server, c.Status, c.Output)
	}
	if final != "" {
		b.WriteString("Result: ")
		b.WriteString(final)
	}
	return strings.TrimRight(b.String(), "\n")
}
