package engine

import (
	"context"
	"time"
)

// Store persists workflows with optimistic concurrency on WorkflowContext.Version.
type Store interface {
	// Load returns the workflow with the given ID or ErrWorkflowNotFound.
	Load(ctx context.Context, id string) (*Workflow, error)

	// Save persists wf. A workflow with version 0 is inserted; otherwise the stored
	// version must equal wf's version or ErrVersionConflict is returned. On a write the
	// store increments the version and updates wf in place. Saving a workflow whose
	// content equals the stored content is a no-op and keeps the version.
	Save(ctx context.Context, wf *Workflow) error

	// List returns workflows matching the filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*Workflow, error)
}

// EventSink receives state changes after they are persisted.
// Delivery is fire-and-forget and at-least-once; implementations must not block.
type EventSink interface {
	OnStateChange(ctx context.Context, change StateChange)
}

// ProgressSink is optionally implemented by an EventSink to receive stage progress.
type ProgressSink interface {
	OnProgress(ctx context.Context, progress Progress)
}

// RunKind selects what a code-generation run produces.
type RunKind string

const (
	RunKindPlan RunKind = "plan"
	RunKindCode RunKind = "code"
)

// RunRequest asks the code-generation service to start a run.
type RunRequest struct {
	WorkflowID string     `json:"workflow_id"`
	Kind       RunKind    `json:"kind"`
	Goal       string     `json:"goal"`
	Repository string     `json:"repository"`
	Branch     string     `json:"branch,omitempty"`
	PlanID     string     `json:"plan_id,omitempty"`
	Iteration  int        `json:"iteration,omitempty"`
	Feedback   []Feedback `json:"feedback,omitempty"`
}

// RunState is the lifecycle state reported for a code-generation run.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
)

// IsTerminal returns true if the run will not change state anymore.
func (s RunState) IsTerminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// RunHandle identifies a started run.
type RunHandle struct {
	RunID  string   `json:"run_id"`
	Status RunState `json:"status"`
}

// RunStatus is the status of a code-generation run.
type RunStatus struct {
	RunID  string                 `json:"run_id"`
	Status RunState               `json:"status"`
	Branch string                 `json:"branch,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Output map[string]interface{} `json:"output,omitempty"`
}

// CodeGenerator is the code-generation collaborator.
type CodeGenerator interface {
	// CreateRun starts a planning or coding run.
	CreateRun(ctx context.Context, req RunRequest) (RunHandle, error)

	// GetRunStatus returns the current status of a run.
	GetRunStatus(ctx context.Context, runID string) (RunStatus, error)
}

// SnapshotConfig describes the sandbox snapshot a stage needs.
type SnapshotConfig struct {
	WorkflowID string `json:"workflow_id"`
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
}

// ExecResult is the result of running a command in a sandbox snapshot.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Sandbox provides isolated execution environments.
type Sandbox interface {
	// CreateSnapshot prepares a fresh environment and returns its ID.
	CreateSnapshot(ctx context.Context, cfg SnapshotConfig) (string, error)

	// Execute runs command inside the snapshot. A non-zero exit code is not an error.
	Execute(ctx context.Context, snapshotID, command string) (ExecResult, error)

	// Destroy releases the snapshot.
	Destroy(ctx context.Context, snapshotID string) error
}

// Evaluation is the verdict of the AI-evaluation collaborator.
type Evaluation struct {
	Success  bool     `json:"success"`
	Findings []string `json:"findings,omitempty"`
}

// Evaluator is the AI-evaluation collaborator.
type Evaluator interface {
	Evaluate(ctx context.Context, snapshotID, criteria string) (Evaluation, error)
}

// MergeInput is the document the merge policy decides on.
type MergeInput struct {
	WorkflowID string         `json:"workflow_id"`
	Repository string         `json:"repository"`
	PRNumber   int            `json:"pr_number"`
	Iteration  int            `json:"iteration"`
	Merged     bool           `json:"merged"`
	Outcomes   []StageOutcome `json:"outcomes"`
}

// MergeDecision is the merge policy verdict.
type MergeDecision struct {
	AutoMerge bool     `json:"auto_merge"`
	Denied    bool     `json:"denied"`
	Reasons   []string `json:"reasons,omitempty"`
}

// MergePolicy decides how a validated change is merged.
type MergePolicy interface {
	Decide(ctx context.Context, input MergeInput) (MergeDecision, error)
}

// Merger merges a pull request when the policy allows auto-merge.
type Merger interface {
	Merge(ctx context.Context, repository string, prNumber int) error
}

// CriteriaInput is the data acceptance criteria are evaluated against.
type CriteriaInput struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Iteration int
}

// Criteria evaluates acceptance criteria scripts against command output.
type Criteria interface {
	Accept(ctx context.Context, script string, input CriteriaInput) (bool, string, error)
}

// MetricsRecorder receives engine measurements. Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	WorkflowStarted()
	WorkflowFinished(state string, duration time.Duration)
	Transition(from, to string)
	StageAttempt(stage, result string, duration time.Duration)
	StageError(class, kind string)
	ActiveWorkflows(n int)
}
