// Package pipeline drives a task through planning, tool execution and
// verification until the result passes or the step budget runs out.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shirube/internal/agent"
	"github.com/ashita-ai/shirube/internal/llm"
	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/telemetry"
	"github.com/ashita-ai/shirube/internal/tooling"
)

// DefaultMaxSteps is used when neither the request nor the engine sets a budget.
const DefaultMaxSteps = 6

// Planner produces plans. Contract is the schema a raw-text plan is parsed
// against.
type Planner interface {
	Plan(ctx context.Context, task, priorInstructions string, identity model.Identity) agent.Attempt
	Contract() *llm.Contract[model.Plan]
}

// Invoker runs a task against a plan's tools.
type Invoker interface {
	Invoke(ctx context.Context, task string, plan model.Plan, obs tooling.Observer) (tooling.Outcome, error)
}

// Judge verifies executor output.
type Judge interface {
	Verify(ctx context.Context, objective, evidence string) llm.Result[model.VerificationResult]
	Contract() *llm.Contract[model.VerificationResult]
}

// Catalog resolves planned tool configs to catalog entries.
type Catalog interface {
	ResolveToolIDs(ctx context.Context, keys []model.ToolKey) (map[model.ToolKey]int64, error)
	GetToolsByIDs(ctx context.Context, ids []int64) (map[int64]model.ToolCandidate, error)
}

// TrustUpdater applies judged assessments to trust scores.
type TrustUpdater interface {
	Update(ctx context.Context, runID string, assessments []model.ToolAssessment, nameToID map[string]int64) []model.TrustEvent
}

// Deps are the capabilities the steps call out to. Trust may be nil.
type Deps struct {
	Planner Planner
	Invoker Invoker
	Judge   Judge
	Catalog Catalog
	Trust   TrustUpdater
}

// Config holds engine defaults.
type Config struct {
	MaxSteps            int
	RequireNetworkTools bool
}

// Engine runs pipelines. It is safe for concurrent use; each run has its own
// RunContext.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	root, planner, executor, verifier Step

	tracer trace.Tracer
	runs   metric.Int64Counter
	steps  metric.Int64Counter
}

// NewEngine wires the step chain.
func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	meter := telemetry.Meter("shirube/pipeline")
	runs, _ := meter.Int64Counter("shirube.runs.total",
		metric.WithDescription("Pipeline runs by outcome"))
	steps, _ := meter.Int64Counter("shirube.steps.total",
		metric.WithDescription("Pipeline steps handled by step and status"))

	e := &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: telemetry.Tracer("shirube/pipeline"),
		runs:   runs,
		steps:  steps,
	}
	e.root = rootStep{e}
	e.planner = plannerStep{e}
	e.executor = executorStep{e}
	e.verifier = verifierStep{e}
	return e
}

// Request describes one run. Zero MaxSteps and nil RequireNetworkTools take
// the engine defaults; an empty RunID gets a fresh one.
type Request struct {
	RunID               string
	Task                string
	MaxSteps            int
	Identity            model.Identity
	RequireNetworkTools *bool
}

// Run drives req through the step chain. Failures inside steps are recorded
// on the returned RunContext; Run itself never fails. The loop ends when a
// verification passes, when the step budget is spent, or when ctx is done.
// emit may be nil.
func (e *Engine) Run(ctx context.Context, req Request, emit Emitter) *RunContext {
	rc := e.newRunContext(req, emit)

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", rc.RunID),
		attribute.Int("max_steps", rc.MaxSteps),
	))
	defer span.End()

	e.logger.Info("pipeline: run started", "run_id", rc.RunID, "max_steps", rc.MaxSteps)

	current := e.root
	for current != nil && rc.StepsTaken < rc.MaxSteps {
		if err := ctx.Err(); err != nil {
			rc.Errors = append(rc.Errors, "cancelled: "+err.Error())
			break
		}
		rc.StepsTaken++
		e.handle(ctx, current, rc)
		current = current.Next(rc)
	}

	passed := rc.Passed()
	span.SetAttributes(attribute.Bool("passed", passed), attribute.Int("steps_taken", rc.StepsTaken))
	if e.runs != nil {
		e.runs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", passed)))
	}
	e.logger.Info("pipeline: run finished", "run_id", rc.RunID, "passed", passed, "steps_taken", rc.StepsTaken)
	return rc
}

func (e *Engine) newRunContext(req Request, emit Emitter) *RunContext {
	if emit == nil {
		emit = discard{}
	}
	rc := &RunContext{
		RunID:               req.RunID,
		Task:                req.Task,
		Identity:            req.Identity,
		RequireNetworkTools: e.cfg.RequireNetworkTools,
		MaxSteps:            req.MaxSteps,
		NameToID:            map[string]int64{},
		emitter:             emit,
	}
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.MaxSteps <= 0 {
		rc.MaxSteps = e.cfg.MaxSteps
	}
	if req.RequireNetworkTools != nil {
		rc.RequireNetworkTools = *req.RequireNetworkTools
	}
	return rc
}

// handle runs one step. A panic inside a step is recorded as a failure of
// that step's stage.
func (e *Engine) handle(ctx context.Context, s Step, rc *RunContext) {
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step", s.Name()),
		attribute.Int("step.index", rc.StepsTaken),
	))
	defer span.End()

	e.emit(rc, model.EventChainStep, model.ChainStepPayload{Step: s.Name()})

	before := len(rc.Steps)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic: %v", r)
				rc.fail(s.Name(), &StageError{Stage: stageOf(s), Err: err})
				span.RecordError(err)
				e.logger.Error("pipeline: step panicked", "run_id", rc.RunID, "step", s.Name(), "panic", r)
			}
		}()
		s.Handle(ctx, rc)
	}()

	status := "skipped"
	if len(rc.Steps) > before {
		status = string(rc.Steps[len(rc.Steps)-1].Status)
	}
	span.SetAttributes(attribute.String("status", status))
	if e.steps != nil {
		e.steps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", s.Name()),
			attribute.String("status", status),
		))
	}
}

func stageOf(s Step) Stage {
	switch s.(type) {
	case plannerStep:
		return StagePlanning
	case verifierStep:
		return StageVerification
	default:
		return StageExecution
	}
}

// emit forwards an event. A closed or detached stream does not affect the run.
func (e *Engine) emit(rc *RunContext, eventType model.EventType, payload any) {
	if err := rc.emit(eventType, payload); err != nil {
		e.logger.Debug("pipeline: event dropped", "run_id", rc.RunID, "event", eventType, "error", err)
	}
}
