package engine

import (
	"encoding/json"
	"fmt"
)

// WorkflowState is the lifecycle state of a workflow.
type WorkflowState string

const (
	// StateIdle indicates the workflow was created but has not started planning.
	StateIdle WorkflowState = "IDLE"

	// StatePlanning indicates the code-generation service is producing a plan.
	StatePlanning WorkflowState = "PLANNING"

	// StateCoding indicates the code-generation service is producing the change.
	StateCoding WorkflowState = "CODING"

	// StatePRCreated indicates the change is ready and the workflow waits for the pull request.
	StatePRCreated WorkflowState = "PR_CREATED"

	// StateValidating indicates the deploy, test, evaluation and finalize stages are running.
	StateValidating WorkflowState = "VALIDATING"

	// StateCompleted indicates the change was validated and merged or is ready to merge.
	StateCompleted WorkflowState = "COMPLETED"

	// StateFailed indicates the workflow stopped on an unrecoverable failure.
	StateFailed WorkflowState = "FAILED"

	// StateCancelled indicates the workflow was cancelled by a user or a closed pull request.
	StateCancelled WorkflowState = "CANCELLED"
)

// AllStates lists every workflow state in lifecycle order.
var AllStates = []WorkflowState{
	StateIdle, StatePlanning, StateCoding, StatePRCreated,
	StateValidating, StateCompleted, StateFailed, StateCancelled,
}

// IsTerminal returns true if the state has no outgoing transitions.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive returns true if the engine runs stages in this state.
func (s WorkflowState) IsActive() bool {
	return s == StatePlanning || s == StateCoding || s == StateValidating
}

// IsParked returns true if the workflow waits for an external event in this state.
func (s WorkflowState) IsParked() bool {
	return s == StatePRCreated
}

// Validate checks if the workflow state is valid.
func (s WorkflowState) Validate() error {
	switch s {
	case StateIdle, StatePlanning, StateCoding, StatePRCreated,
		StateValidating, StateCompleted, StateFailed, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid workflow state: %s", s)
	}
}

// String returns the string representation of the state.
func (s WorkflowState) String() string {
	return string(s)
}

// ParseState converts a string into a validated WorkflowState.
func ParseState(value string) (WorkflowState, error) {
	s := WorkflowState(value)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// MarshalJSON implements json.Marshaler for WorkflowState.
func (s WorkflowState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for WorkflowState.
func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := WorkflowState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// StageName identifies a pipeline stage.
type StageName string

const (
	StagePlan     StageName = "plan"
	StageCode     StageName = "code"
	StageDeploy   StageName = "deploy"
	StageValidate StageName = "validate"
	StageEval     StageName = "eval"
	StageFinalize StageName = "finalize"

	// StageAwaitPR is the pseudo-stage recorded when the pull request never shows up.
	StageAwaitPR StageName = "await_pr"
)

// pipeline lists the stages run in each active state, in order.
var pipeline = map[WorkflowState][]StageName{
	StatePlanning:   {StagePlan},
	StateCoding:     {StageCode},
	StateValidating: {StageDeploy, StageValidate, StageEval, StageFinalize},
}

// StagesFor returns the ordered stages the engine runs in state s.
func StagesFor(s WorkflowState) []StageName {
	return append([]StageName(nil), pipeline[s]...)
}

// EventType names an inbound source-control event.
type EventType string

const (
	EventPROpened EventType = "pr_opened"
	EventPRMerged EventType = "pr_merged"
	EventPRClosed EventType = "pr_closed"
)

// Validate checks if the event type is known.
func (t EventType) Validate() error {
	switch t {
	case EventPROpened, EventPRMerged, EventPRClosed:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, string(t))
	}
}

// EarlyEventPolicy selects what happens to an event that arrives before its state.
type EarlyEventPolicy string

const (
	// EarlyEventReject rejects the event and logs an anomaly.
	EarlyEventReject EarlyEventPolicy = "reject"

	// EarlyEventBuffer keeps an early pr_opened and applies it on entering PR_CREATED.
	EarlyEventBuffer EarlyEventPolicy = "buffer"
)
