package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StageInput is the read-only view of a workflow handed to a stage.
type StageInput struct {
	WorkflowID string
	State      WorkflowState
	Context    WorkflowContext
	Attempt    int
}

// StageReport carries what a stage learned. Non-empty fields are written
// back into the workflow context when the outcome is applied.
type StageReport struct {
	Diagnostics map[string]interface{}
	PlanID      string
	CodeRunID   string
	Branch      string
	MergeMode   string
	Merged      bool
}

func newReport() StageReport {
	return StageReport{Diagnostics: make(map[string]interface{})}
}

// Stage is one step of the pipeline. Stages are stateless: they read the input,
// call collaborators and report. Expected external failures are returned as
// classified errors; the executor turns them into outcomes.
type Stage interface {
	Name() StageName
	Run(ctx context.Context, in StageInput) (StageReport, error)
}

const (
	defaultPollInterval = 5 * time.Second
	destroyTimeout      = 2 * time.Minute
	maxDiagnosticOutput = 4096
)

// MergeModeAuto and MergeModeManual are the values recorded in WorkflowContext.MergeMode.
const (
	MergeModeAuto   = "auto"
	MergeModeManual = "manual_merge_ready"
)

// PlanStage asks the code-generation service for a plan.
type PlanStage struct {
	Generator    CodeGenerator
	PollInterval time.Duration
}

// Name implements Stage.
func (s *PlanStage) Name() StageName { return StagePlan }

// Run implements Stage.
func (s *PlanStage) Run(ctx context.Context, in StageInput) (StageReport, error) {
	report := newReport()
	if in.Context.Goal == "" || in.Context.Repository == "" {
		return report, NewFatalError(ErrorKindContextCorrupted, "plan stage requires goal and repository", nil)
	}
	status, err := startAndAwait(ctx, s.Generator, RunRequest{
		WorkflowID: in.WorkflowID,
		Kind:       RunKindPlan,
		Goal:       in.Context.Goal,
		Repository: in.Context.Repository,
		Branch:     in.Context.Branch,
	}, s.PollInterval, report.Diagnostics)
	if err != nil {
		return report, err
	}
	report.PlanID = status.RunID
	return report, nil
}

// CodeStage asks the code-generation service for the change, forwarding any
// feedback escalated from earlier validation passes.
type CodeStage struct {
	Generator    CodeGenerator
	PollInterval time.Duration
}

// Name implements Stage.
func (s *CodeStage) Name() StageName { return StageCode }

// Run implements Stage.
func (s *CodeStage) Run(ctx context.Context, in StageInput) (StageReport, error) {
	report := newReport()
	if in.Context.Goal == "" || in.Context.Repository == "" {
		return report, NewFatalError(ErrorKindContextCorrupted, "code stage requires goal and repository", nil)
	}
	status, err := startAndAwait(ctx, s.Generator, RunRequest{
		WorkflowID: in.WorkflowID,
		Kind:       RunKindCode,
		Goal:       in.Context.Goal,
		Repository: in.Context.Repository,
		Branch:     in.Context.Branch,
		PlanID:     in.Context.PlanID,
		Iteration:  in.Context.Iteration,
		Feedback:   in.Context.Feedback,
	}, s.PollInterval, report.Diagnostics)
	if err != nil {
		return report, err
	}
	report.CodeRunID = status.RunID
	report.Branch = status.Branch
	return report, nil
}

func startAndAwait(
	ctx context.Context,
	gen CodeGenerator,
	req RunRequest,
	interval time.Duration,
	diag map[string]interface{},
) (RunStatus, error) {
	if gen == nil {
		return RunStatus{}, NewFatalError(ErrorKindContextCorrupted, "no code generator configured", nil)
	}
	handle, err := gen.CreateRun(ctx, req)
	if err != nil {
		return RunStatus{}, fmt.Errorf("create %s run: %w", req.Kind, err)
	}
	diag["run_id"] = handle.RunID
	if interval <= 0 {
		interval = defaultPollInterval
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return RunStatus{}, NewTransientError(ErrorKindNetworkTimeout,
				fmt.Sprintf("waiting for %s run %s", req.Kind, handle.RunID), ctx.Err())
		case <-timer.C:
		}

		status, err := gen.GetRunStatus(ctx, handle.RunID)
		if err != nil {
			return RunStatus{}, fmt.Errorf("get status of run %s: %w", handle.RunID, err)
		}
		diag["run_status"] = string(status.Status)
		switch status.Status {
		case RunStateSucceeded:
			if status.RunID == "" {
				status.RunID = handle.RunID
			}
			return status, nil
		case RunStateFailed:
			if status.Error != "" {
				diag["run_error"] = status.Error
			}
			return status, NewDomainError(ErrorKindGenerationFailed,
				fmt.Sprintf("%s run %s failed", req.Kind, handle.RunID), nil)
		}
		timer.Reset(interval)
	}
}

// DeployStage deploys the change into a fresh snapshot.
type DeployStage struct {
	Sandbox Sandbox
	Command string
}

// Name implements Stage.
func (s *DeployStage) Name() StageName { return StageDeploy }

// Run implements Stage.
func (s *DeployStage) Run(ctx context.Context, in StageInput) (StageReport, error) {
	report := newReport()
	err := withSnapshot(ctx, s.Sandbox, in, report.Diagnostics, func(id string) error {
		if s.Command == "" {
			return nil
		}
		return runCommand(ctx, s.Sandbox, id, s.Command, report.Diagnostics)
	})
	return report, err
}

// ValidateStage runs the test command in a fresh snapshot and applies the
// optional acceptance criteria to its output.
type ValidateStage struct {
	Sandbox  Sandbox
	Command  string
	Criteria Criteria
	Script   string
}

// Name implements Stage.
func (s *ValidateStage) Name() StageName { return StageValidate }

// Run implements Stage.
func (s *ValidateStage) Run(ctx context.Context, in StageInput) (StageReport, error) {
	report := newReport()
	if s.Command == "" {
		return report, NewFatalError(ErrorKindContextCorrupted, "validate stage has no test command", nil)
	}
	err := withSnapshot(ctx, s.Sandbox, in, report.Diagnostics, func(id string) error {
		res, err := s.Sandbox.Execute(ctx, id, s.Command)
		if err != nil {
			return fmt.Errorf("execute test command: %w", err)
		}
		recordExec(report.Diagnostics, res)
		if res.ExitCode != 0 {
			return NewTransientError(ErrorKindNonZeroExit,
				fmt.Sprintf("test command exited with code %d", res.ExitCode), nil)
		}
		if s.Criteria == nil || s.Script == "" {
			return nil
		}
		ok, reason, err := s.Criteria.Accept(ctx, s.Script, CriteriaInput{
			ExitCode:  res.ExitCode,
			Stdout:    res.Stdout,
			Stderr:    res.Stderr,
			Iteration: in.Context.Iteration,
		})
		if err != nil {
			return NewFatalError(ErrorKindContextCorrupted, "acceptance criteria failed to evaluate", err)
		}
		if reason != "" {
			report.Diagnostics["criteria_reason"] = reason
		}
		if !ok {
			return NewDomainError(ErrorKindTestsFailed, "acceptance criteria rejected the test output", nil)
		}
		return nil
	})
	return report, err
}

// EvalStage runs the AI evaluation against a fresh snapshot.
type EvalStage struct {
	Sandbox      Sandbox
	Evaluator    Evaluator
	Criteria     string
	SetupCommand string
}

// Name implements Stage.
func (s *EvalStage) Name() StageName { return StageEval }

// Run implements Stage.
func (s *EvalStage) Run(ctx context.Context, in StageInput) (StageReport, error) {
	report := newReport()
	if s.Evaluator == nil {
		return report, NewFatalError(ErrorKindContextCorrupted, "no evaluator configured", nil)
	}
	criteria := s.Criteria
	if criteria == "" {
		criteria = in.Context.Goal
	}
	err := withSnapshot(ctx, s.Sandbox, in, report.Diagnostics, func(id string) error {
		if s.SetupCommand != "" {
			if err := runCommand(ctx, s.Sandbox, id, s.SetupCommand, report.Diagnostics); err != nil {
				return err
			}
		}
		verdict, err := s.Evaluator.Evaluate(ctx, id, criteria)
		if err != nil {
			return fmt.Errorf("evaluate snapshot %s: %w", id, err)
		}
		if len(verdict.Findings) > 0 {
			report.Diagnostics["findings"] = verdict.Findings
		}
		if !verdict.Success {
			return NewDomainError(ErrorKindEvaluationFailed, "evaluation rejected the change", nil).
				WithDetail("findings", verdict.Findings)
		}
		return nil
	})
	return report, err
}

// FinalizeStage applies the merge policy and merges when it allows.
type FinalizeStage struct {
	Policy MergePolicy
	Merger Merger
}

// Name implements Stage.
func (s *FinalizeStage) Name() StageName { return StageFinalize }

// Run implements Stage.
func (s *FinalizeStage) Run(ctx context.Context, in StageInput) (StageReport, error) {
	report := newReport()
	decision := MergeDecision{}
	if s.Policy != nil {
		var err error
		decision, err = s.Policy.Decide(ctx, MergeInput{
			WorkflowID: in.WorkflowID,
			Repository: in.Context.Repository,
			PRNumber:   in.Context.PRNumber,
			Iteration:  in.Context.Iteration,
			Merged:     in.Context.Merged,
			Outcomes:   in.Context.ValidationResults,
		})
		if err != nil {
			return report, NewFatalError(ErrorKindContextCorrupted, "merge policy failed to evaluate", err)
		}
	}
	if len(decision.Reasons) > 0 {
		report.Diagnostics["policy_reasons"] = decision.Reasons
	}
	if decision.Denied {
		return report, NewDomainError(ErrorKindPolicyDenied,
			"merge policy denied the change: "+strings.Join(decision.Reasons, "; "), nil)
	}

	switch {
	case in.Context.Merged:
		report.MergeMode = MergeModeAuto
		report.Merged = true
	case decision.AutoMerge && s.Merger != nil && in.Context.PRNumber > 0:
		if err := s.Merger.Merge(ctx, in.Context.Repository, in.Context.PRNumber); err != nil {
			return report, fmt.Errorf("merge pull request #%d: %w", in.Context.PRNumber, err)
		}
		report.MergeMode = MergeModeAuto
		report.Merged = true
	default:
		report.MergeMode = MergeModeManual
	}
	report.Diagnostics["merge_mode"] = report.MergeMode
	return report, nil
}

func withSnapshot(
	ctx context.Context,
	sb Sandbox,
	in StageInput,
	diag map[string]interface{},
	fn func(snapshotID string) error,
) error {
	if sb == nil {
		return NewFatalError(ErrorKindContextCorrupted, "no sandbox configured", nil)
	}
	if in.Context.Repository == "" {
		return NewFatalError(ErrorKindContextCorrupted, "snapshot requires a repository", nil)
	}
	id, err := sb.CreateSnapshot(ctx, SnapshotConfig{
		WorkflowID: in.WorkflowID,
		Repository: in.Context.Repository,
		Branch:     in.Context.Branch,
		PRNumber:   in.Context.PRNumber,
	})
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	diag["snapshot_id"] = id

	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		defer cancel()
		if derr := sb.Destroy(dctx, id); derr != nil {
			diag["destroy_error"] = derr.Error()
		}
	}()
	return fn(id)
}

func runCommand(ctx context.Context, sb Sandbox, snapshotID, command string, diag map[string]interface{}) error {
	res, err := sb.Execute(ctx, snapshotID, command)
	if err != nil {
		return fmt.Errorf("execute %q: %w", command, err)
	}
	recordExec(diag, res)
	if res.ExitCode != 0 {
		return NewTransientError(ErrorKindNonZeroExit,
			fmt.Sprintf("command %q exited with code %d", command, res.ExitCode), nil)
	}
	return nil
}

func recordExec(diag map[string]interface{}, res ExecResult) {
	diag["exit_code"] = res.ExitCode
	if res.Stdout != "" {
		diag["stdout"] = tail(res.Stdout, maxDiagnosticOutput)
	}
	if res.Stderr != "" {
		diag["stderr"] = tail(res.Stderr, maxDiagnosticOutput)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
