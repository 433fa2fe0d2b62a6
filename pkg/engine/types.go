package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Workflow is the aggregate root for one code-change request.
type Workflow struct {
	// ID is the unique, immutable identifier of the workflow.
	ID string `json:"id"`

	// State is the current lifecycle state.
	State WorkflowState `json:"state"`

	// Context carries the versioned data accumulated by the stages.
	Context WorkflowContext `json:"context"`

	// CreatedAt is when the workflow was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped on every mutation.
	UpdatedAt time.Time `json:"updated_at"`

	// StateEnteredAt is bumped only on a successful transition and drives the per-state timeout.
	StateEnteredAt time.Time `json:"state_entered_at"`

	// RetryCounts is the number of attempts made for each stage in the current iteration.
	RetryCounts map[StageName]int `json:"retry_counts,omitempty"`

	// StageCursor is the index of the next stage to run within the current state.
	StageCursor int `json:"stage_cursor"`

	// ErrorKind is the cause recorded when the workflow failed.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Reason is the human-readable reason of the latest transition.
	Reason string `json:"reason,omitempty"`

	// PendingEvents holds early events kept under the buffer policy.
	PendingEvents []ExternalEvent `json:"pending_events,omitempty"`
}

// WorkflowContext is the data shared by the stages of a workflow.
// Zero values mean "not set yet".
type WorkflowContext struct {
	Goal       string `json:"goal"`
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`

	PlanID    string `json:"plan_id,omitempty"`
	CodeRunID string `json:"code_run_id,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	Merged    bool   `json:"merged,omitempty"`
	MergeMode string `json:"merge_mode,omitempty"`

	// Iteration counts CODING passes; it starts at 1 on the first pass.
	Iteration int `json:"iteration"`

	// Feedback is the escalated error context forwarded to the next coding pass.
	Feedback []Feedback `json:"feedback,omitempty"`

	// ValidationResults is the append-only trail of stage outcomes.
	ValidationResults []StageOutcome `json:"validation_results,omitempty"`

	// Version is incremented by the store on every persisted write.
	Version int64 `json:"version"`
}

// StageOutcome is the immutable result of one stage attempt.
type StageOutcome struct {
	StageName   StageName              `json:"stage_name"`
	Success     bool                   `json:"success"`
	ErrorKind   ErrorKind              `json:"error_kind,omitempty"`
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
	DurationMs  int64                  `json:"duration_ms"`
	Attempt     int                    `json:"attempt"`
	Iteration   int                    `json:"iteration"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// Feedback is a failure summary handed back to code generation.
type Feedback struct {
	Iteration int       `json:"iteration"`
	Stage     StageName `json:"stage"`
	ErrorKind ErrorKind `json:"error_kind"`
	Summary   string    `json:"summary"`
}

// ExternalEvent is an inbound source-control notification.
type ExternalEvent struct {
	Type       EventType              `json:"type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// RepoRef identifies the repository and base branch a workflow works on.
type RepoRef struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
}

// PRRef identifies a pull request opened outside the pipeline.
type PRRef struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
}

// ListFilter narrows Store.List results.
type ListFilter struct {
	// State limits results to one state when set.
	State WorkflowState

	// NonTerminal limits results to workflows that are not terminal.
	NonTerminal bool

	// Limit caps the number of results when positive.
	Limit int
}

// Match reports whether wf passes the filter.
func (f ListFilter) Match(wf *Workflow) bool {
	if f.State != "" && wf.State != f.State {
		return false
	}
	if f.NonTerminal && wf.State.IsTerminal() {
		return false
	}
	return true
}

// StateChange is published after every persisted transition.
type StateChange struct {
	WorkflowID string          `json:"workflow_id"`
	From       WorkflowState   `json:"from"`
	To         WorkflowState   `json:"to"`
	Reason     string          `json:"reason,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
	Context    WorkflowContext `json:"context"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ProgressType names a progress notification.
type ProgressType string

const (
	ProgressStageStarted   ProgressType = "stage_started"
	ProgressStageCompleted ProgressType = "stage_completed"
	ProgressStageRetrying  ProgressType = "stage_retrying"
	ProgressAnomaly        ProgressType = "anomaly"
)

// Progress is a non-transition notification about a workflow.
type Progress struct {
	WorkflowID string        `json:"workflow_id"`
	Type       ProgressType  `json:"type"`
	State      WorkflowState `json:"state"`
	Stage      StageName     `json:"stage,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Outcome    *StageOutcome `json:"outcome,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Message    string        `json:"message,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("engine: cloning workflow %s: %v", w.ID, err))
	}
	var out Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("engine: cloning workflow %s: %v", w.ID, err))
	}
	return &out
}

// Version returns the persisted version of the workflow.
func (w *Workflow) Version() int64 {
	return w.Context.Version
}

// LastOutcome returns the most recent outcome for stage, if any.
func (w *Workflow) LastOutcome(stage StageName) (StageOutcome, bool) {
	for i := len(w.Context.ValidationResults) - 1; i >= 0; i-- {
		if w.Context.ValidationResults[i].StageName == stage {
			return w.Context.ValidationResults[i], true
		}
	}
	return StageOutcome{}, false
}

// Failures returns the failed outcomes in recording order.
func (w *Workflow) Failures() []StageOutcome {
	var out []StageOutcome
	for _, o := range w.Context.ValidationResults {
		if !o.Success {
			out = append(out, o)
		}
	}
	return out
}

// Summary renders a one-line description of the workflow's result.
func (w *Workflow) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", w.ID, w.State)
	if w.Context.PRNumber > 0 {
		fmt.Fprintf(&b, " pr=#%d", w.Context.PRNumber)
		if w.Context.PRURL != "" {
			fmt.Fprintf(&b, " (%s)", w.Context.PRURL)
		}
	}
	passed := 0
	for _, o := range w.Context.ValidationResults {
		if o.Success {
			passed++
		}
	}
	fmt.Fprintf(&b, " stages=%d/%d iteration=%d", passed, len(w.Context.ValidationResults), w.Context.Iteration)
	if w.Context.MergeMode != "" {
		fmt.Fprintf(&b, " merge=%s", w.Context.MergeMode)
	}
	if w.ErrorKind != "" {
		fmt.Fprintf(&b, " error=%s", w.ErrorKind)
	}
	return b.String()
}
