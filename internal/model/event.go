package model

// EventType names a streamed pipeline event.
type EventType string

const (
	EventChainStep       EventType = "chain.step"
	EventPlannerPlan     EventType = "planner.plan"
	EventCallStart       EventType = "call.start"
	EventCallEnd         EventType = "call.end"
	EventExecutorSummary EventType = "executor.summary"
	EventExecutorError   EventType = "executor.error"
	EventCheckSummary    EventType = "check.summary"
	EventFinal           EventType = "final"
)

// ChainStepPayload announces which step is handling the run.
type ChainStepPayload struct {
	Step string `json:"step"`
}

// CallStartPayload is emitted before a tool call.
type CallStartPayload struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// CallEndPayload is emitted after a tool call returns.
type CallEndPayload struct {
	Name   string     `json:"name"`
	Output string     `json:"output"`
	Status CallStatus `json:"status"`
}

// ExecutorSummaryPayload carries the executor's fact and trace.
type ExecutorSummaryPayload struct {
	Fact      string           `json:"fact"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
}

// ExecutorErrorPayload explains why the executor could not run.
type ExecutorErrorPayload struct {
	Error string `json:"error"`
}

// CheckSummaryPayload carries the verification result and the pass decision.
type CheckSummaryPayload struct {
	Passed bool               `json:"passed"`
	Result VerificationResult `json:"result"`
}
