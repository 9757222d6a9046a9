package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ashita-ai/shirube/internal/agent"
	"github.com/ashita-ai/shirube/internal/llm"
	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/tooling"
)

// Step is one node of the pipeline. Handle mutates the run; Next picks the
// step that handles it after, or nil to end the run. The set of steps is
// closed: root, planner, executor and verifier.
type Step interface {
	Name() string
	Handle(ctx context.Context, rc *RunContext)
	Next(rc *RunContext) Step
	step()
}

// Step names as they appear in StepTrace and chain.step events.
const (
	StepRoot     = "root"
	StepPlanner  = "planner"
	StepExecutor = "executor"
	StepVerifier = "verifier"
)

type rootStep struct{ e *Engine }

func (rootStep) Name() string { return StepRoot }
func (rootStep) step()        {}

func (s rootStep) Handle(_ context.Context, rc *RunContext) {
	out, _ := json.Marshal(map[string]any{"current_task": rc.Task, "max_steps": rc.MaxSteps})
	rc.pass(StepRoot, string(out))
}

func (s rootStep) Next(*RunContext) Step { return s.e.planner }

type plannerStep struct{ e *Engine }

func (plannerStep) Name() string { return StepPlanner }
func (plannerStep) step()        {}

func (s plannerStep) Handle(ctx context.Context, rc *RunContext) {
	att := s.e.deps.Planner.Plan(ctx, rc.Task, rc.PriorInstructions, rc.Identity)
	if att.RankingErr != nil {
		rc.recordError(&StageError{Stage: StageRanking, Err: att.RankingErr})
	}

	// A new plan starts a fresh execution record.
	rc.Fact = nil
	rc.ToolCalls = nil
	rc.NameToID = map[string]int64{}

	plan, err := s.planFrom(att.Result)
	rc.planFailed = err != nil
	if err != nil {
		failed := agent.FailedPlan(err.Error())
		rc.Plan = &failed
		rc.fail(StepPlanner, &StageError{Stage: StagePlanning, Err: err})
		s.e.logger.Warn("pipeline: planning failed", "run_id", rc.RunID, "error", err)
		return
	}

	plan = s.e.scope(ctx, rc, plan)
	rc.Plan = &plan
	rc.PriorInstructions = ""
	rc.pass(StepPlanner, fmt.Sprintf("planned %d tools: %v", len(plan.ToolConfigs), plan.ExecutionChain))
	s.e.emit(rc, model.EventPlannerPlan, plan)
}

// planFrom branches on every planner outcome. Raw text gets one lenient
// parse before it counts as a failure.
func (s plannerStep) planFrom(res llm.Result[model.Plan]) (model.Plan, error) {
	switch res.Kind() {
	case llm.KindStructured:
		plan, _ := res.Value()
		return normalizePlan(plan), nil
	case llm.KindRawText:
		raw, _ := res.Raw()
		plan, err := s.e.deps.Planner.Contract().ParseLenient(raw)
		if err != nil {
			return model.Plan{}, fmt.Errorf("unparseable plan: %w", err)
		}
		return normalizePlan(plan), nil
	default:
		return model.Plan{}, res.Err()
	}
}

func normalizePlan(p model.Plan) model.Plan {
	if p.ExecutionChain == nil {
		p.ExecutionChain = []string{}
	}
	if p.ToolConfigs == nil {
		p.ToolConfigs = []model.ToolConfig{}
	}
	return p
}

func (s plannerStep) Next(*RunContext) Step { return s.e.executor }

type executorStep struct{ e *Engine }

func (executorStep) Name() string { return StepExecutor }
func (executorStep) step()        {}

func (s executorStep) Handle(ctx context.Context, rc *RunContext) {
	if rc.Plan == nil || rc.planFailed {
		return
	}

	plan := *rc.Plan
	if len(plan.ToolConfigs) == 0 {
		s.abort(rc, "no usable tools", errors.New("no usable tools: the plan names no catalog tool this run may use"))
		return
	}
	if rc.RequireNetworkTools {
		plan.ToolConfigs = tooling.NetworkOnly(plan.ToolConfigs)
		if len(plan.ToolConfigs) == 0 {
			s.abort(rc, "no usable tools", errors.New("no usable tools: plan names only local tools and network tools are required"))
			return
		}
	}

	out, err := s.e.deps.Invoker.Invoke(ctx, rc.Task, plan, &callEmitter{e: s.e, rc: rc})
	rc.ToolCalls = out.Trace
	if errors.Is(err, tooling.ErrNoTools) {
		s.abort(rc, "execution failed: no tool could be reached", err)
		return
	}
	if err != nil {
		s.abort(rc, "execution failed: "+err.Error()+"\n"+traceText(out.Trace, ""), err)
		return
	}

	fact := traceText(out.Trace, out.FinalText)
	if fact == "" {
		fact = "executor finished without calling a tool or producing text"
	}
	rc.setFact(fact)
	rc.pass(StepExecutor, fact)
	s.e.emit(rc, model.EventExecutorSummary, model.ExecutorSummaryPayload{Fact: fact, ToolCalls: nonNilCalls(out.Trace)})
}

// abort records a hard execution failure with an explicit fact.
func (s executorStep) abort(rc *RunContext, fact string, err error) {
	rc.setFact(fact)
	rc.fail(StepExecutor, &StageError{Stage: StageExecution, Err: err})
	s.e.emit(rc, model.EventExecutorError, model.ExecutorErrorPayload{Error: err.Error()})
	s.e.logger.Warn("pipeline: execution failed", "run_id", rc.RunID, "error", err)
}

func (s executorStep) Next(*RunContext) Step { return s.e.verifier }

func nonNilCalls(c []model.ToolCallRecord) []model.ToolCallRecord {
	if c == nil {
		return []model.ToolCallRecord{}
	}
	return c
}

// callEmitter streams tool calls as the executor makes them.
type callEmitter struct {
	e  *Engine
	rc *RunContext
}

func (c *callEmitter) CallStarted(name, input string) {
	c.e.emit(c.rc, model.EventCallStart, model.CallStartPayload{Name: name, Input: input})
}

func (c *callEmitter) CallFinished(rec model.ToolCallRecord) {
	c.e.emit(c.rc, model.EventCallEnd, model.CallEndPayload{Name: rec.Name, Output: rec.Output, Status: rec.Status})
}

type verifierStep struct{ e *Engine }

func (verifierStep) Name() string { return StepVerifier }
func (verifierStep) step()        {}

func (s verifierStep) Handle(ctx context.Context, rc *RunContext) {
	if rc.Fact != nil {
		s.verify(ctx, rc)
	}
	if !rc.Passed() {
		if rc.Plan != nil && !rc.planFailed {
			rc.PriorInstructions = rc.Plan.Instructions
		}
		rc.Plan = nil
	}
}

func (s verifierStep) verify(ctx context.Context, rc *RunContext) {
	rc.CheckResult = nil

	var instructions string
	if rc.Plan != nil {
		instructions = rc.Plan.Instructions
	}
	res := s.e.deps.Judge.Verify(ctx,
		agent.Objective(rc.Task, instructions),
		agent.Evidence(rc.Steps, rc.ToolCalls, *rc.Fact),
	)

	result, err := s.resultFrom(res)
	if err != nil {
		rc.fail(StepVerifier, &StageError{Stage: StageVerification, Err: err})
		s.e.logger.Warn("pipeline: verification failed", "run_id", rc.RunID, "error", err)
		return
	}

	rc.CheckResult = &result
	passed := result.Passed()
	rc.pass(StepVerifier, fmt.Sprintf("judge=%t score=%d passed=%t: %s", result.Judge, result.Score, passed, result.Reasoning))
	s.e.emit(rc, model.EventCheckSummary, model.CheckSummaryPayload{Passed: passed, Result: result})

	if s.e.deps.Trust != nil && len(result.ToolAssessments) > 0 {
		applied := s.e.deps.Trust.Update(ctx, rc.RunID, result.ToolAssessments, rc.NameToID)
		rc.TrustEvents = append(rc.TrustEvents, applied...)
	}
}

func (s verifierStep) resultFrom(res llm.Result[model.VerificationResult]) (model.VerificationResult, error) {
	var (
		v   model.VerificationResult
		err error
	)
	switch res.Kind() {
	case llm.KindStructured:
		v, _ = res.Value()
	case llm.KindRawText:
		raw, _ := res.Raw()
		v, err = s.e.deps.Judge.Contract().ParseLenient(raw)
		if err != nil {
			return v, fmt.Errorf("malformed verification result: %w", err)
		}
	default:
		return v, res.Err()
	}
	if v.Score < 1 || v.Score > 100 {
		return v, fmt.Errorf("malformed verification result: score %d outside 1..100", v.Score)
	}
	return v, nil
}

func (s verifierStep) Next(rc *RunContext) Step {
	if rc.Passed() {
		return nil
	}
	return s.e.planner
}

// scope keeps the planned tool configs that resolve to catalog entries and
// replaces each with the catalog's own config, so a plan never reaches the
// invoker with a command, endpoint or args the catalog does not hold. For an
// identity restricted to a set of tools it also drops configs outside it.
func (e *Engine) scope(ctx context.Context, rc *RunContext, plan model.Plan) model.Plan {
	if len(plan.ToolConfigs) == 0 {
		return plan
	}
	keys := make([]model.ToolKey, 0, len(plan.ToolConfigs))
	for _, c := range plan.ToolConfigs {
		keys = append(keys, c.Key())
	}
	ids, err := e.deps.Catalog.ResolveToolIDs(ctx, keys)
	if err != nil {
		rc.recordError(&StageError{Stage: StageRanking, Err: fmt.Errorf("resolve planned tools: %w", err)})
		e.logger.Warn("pipeline: resolve planned tools failed", "run_id", rc.RunID, "error", err)
	}

	var rows map[int64]model.ToolCandidate
	if len(ids) > 0 {
		idList := make([]int64, 0, len(ids))
		for _, id := range ids {
			idList = append(idList, id)
		}
		rows, err = e.deps.Catalog.GetToolsByIDs(ctx, idList)
		if err != nil {
			rc.recordError(&StageError{Stage: StageRanking, Err: fmt.Errorf("load planned tools: %w", err)})
			e.logger.Warn("pipeline: load planned tools failed", "run_id", rc.RunID, "error", err)
		}
	}

	restricted := rc.Identity.AllowedToolIDs != nil
	kept := make([]model.ToolConfig, 0, len(plan.ToolConfigs))
	for _, c := range plan.ToolConfigs {
		id, resolved := ids[c.Key()]
		row, loaded := rows[id]
		switch {
		case !resolved || !loaded:
			e.logger.Warn("pipeline: dropping planned tool not in catalog", "run_id", rc.RunID,
				"tool", c.Name, "transport", c.Transport, "endpoint_or_command", c.EndpointOrCommand)
			continue
		case restricted && !slices.Contains(rc.Identity.AllowedToolIDs, id):
			e.logger.Warn("pipeline: dropping planned tool outside identity scope", "run_id", rc.RunID, "tool", c.Name, "tool_id", id)
			continue
		}
		rc.NameToID[c.Name] = id
		kept = append(kept, row.Config())
	}
	plan.ToolConfigs = kept
	return plan
}
