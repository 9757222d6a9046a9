package pipeline

import "fmt"

// Stage names the part of the pipeline a failure came from.
type Stage string

const (
	StagePlanning     Stage = "planning"
	StageExecution    Stage = "execution"
	StageVerification Stage = "verification"
	StageRanking      Stage = "ranking"
)

// StageError is a failure caught at a step boundary. It is recorded on the
// run, never returned from Engine.Run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Tag is the short failure tag recorded in RunContext.Errors.
func (e *StageError) Tag() string {
	return string(e.Stage) + "_failure"
}
