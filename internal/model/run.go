package model

// Plan is the planner's structured output. ExecutionChain is an ordering
// preference for the executor, not a constraint.
type Plan struct {
	ExecutionChain []string     `json:"execution_chain" jsonschema:"description=Preferred order of tool names to try"`
	ToolConfigs    []ToolConfig `json:"tool_configs" jsonschema:"description=Tools to connect as returned by search_tools"`
	Instructions   string       `json:"instructions" jsonschema:"description=Guidance for the executor"`
}

// CallStatus is the outcome of one tool invocation.
type CallStatus string

const (
	CallStatusOK    CallStatus = "ok"
	CallStatusError CallStatus = "error"
)

// ToolCallRecord is one entry of the executor's call trace.
type ToolCallRecord struct {
	Name   string     `json:"name"`
	Server string     `json:"server"`
	Input  string     `json:"input"`
	Output string     `json:"output"`
	Status CallStatus `json:"status"`
}

// AssessmentStatus classifies how a tool behaved during a run.
type AssessmentStatus string

const (
	AssessmentSuccess AssessmentStatus = "success"
	AssessmentError   AssessmentStatus = "error"
	AssessmentSkipped AssessmentStatus = "skipped"
)

// ToolAssessment is the judge's per-tool verdict. ToolRef is a catalog id,
// a tool name, or a "name/server" pair.
type ToolAssessment struct {
	ToolRef    string           `json:"tool_ref" jsonschema:"description=Catalog id or tool name"`
	Server     string           `json:"server,omitempty" jsonschema:"description=Server label from the call trace"`
	Status     AssessmentStatus `json:"status" jsonschema:"enum=success,enum=error,enum=skipped"`
	MicroScore int              `json:"micro_score" jsonschema:"minimum=0,maximum=100"`
	MicroJudge bool             `json:"micro_judge"`
	Reasoning  string           `json:"reasoning"`
}

// VerificationResult is the judge's structured output.
type VerificationResult struct {
	Judge           bool             `json:"judge"`
	Score           int              `json:"score" jsonschema:"minimum=1,maximum=100"`
	Reasoning       string           `json:"reasoning"`
	ToolAssessments []ToolAssessment `json:"tool_assessments"`
}

// PassScore is the score at or above which a verification passes regardless of Judge.
const PassScore = 80

// Passed applies the pass rule: an explicit positive judgement, or a score of
// at least PassScore. The score path applies even when Judge is false.
func (v VerificationResult) Passed() bool {
	return v.Judge || v.Score >= PassScore
}

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepPassed StepStatus = "passed"
	StepFailed StepStatus = "failed"
)

// StepTrace is one entry of the append-only step log.
type StepTrace struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Output string     `json:"output"`
}

// Identity scopes tool discovery for one caller. A nil AllowedToolIDs means
// the whole catalog is visible.
type Identity struct {
	Subject        string  `json:"subject,omitempty"`
	AllowedToolIDs []int64 `json:"allowed_tool_ids,omitempty"`
}

// RunSummary is the payload of the final event of a run.
type RunSummary struct {
	RunID      string   `json:"run_id"`
	Task       string   `json:"task"`
	Passed     bool     `json:"passed"`
	Fact       string   `json:"fact,omitempty"`
	Summary    string   `json:"summary"`
	StepsTaken int      `json:"steps_taken"`
	MaxSteps   int      `json:"max_steps"`
	Score      *int     `json:"score,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}
