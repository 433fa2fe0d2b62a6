// Package engine drives code-change workflows from a natural-language goal to a
// validated pull request.
//
// # Overview
//
// A workflow moves through a fixed set of states:
//
//	IDLE -> PLANNING -> CODING -> PR_CREATED -> VALIDATING -> COMPLETED
//	                      ^                          |
//	                      +------ re-iteration ------+
//
// Every non-terminal state may also move to FAILED or CANCELLED. COMPLETED, FAILED
// and CANCELLED are terminal; terminal workflows are kept for inspection and never
// re-enter the pipeline.
//
// # Components
//
//   - StateMachine: validates transitions against the edge table, persists them
//     and publishes a StateChange.
//   - PipelineStageExecutor: runs one attempt of a Stage under a hard timeout and
//     reduces it to a StageOutcome.
//   - RetryPolicy: decides RETRY, ESCALATE or FAIL after a failed attempt.
//   - Engine: owns scheduling, per-workflow serialisation, state deadlines,
//     external events, cancellation and restart recovery.
//
// # Stages
//
// Stages are a closed set of variants behind the Stage interface:
//
//   - PLANNING: PlanStage
//   - CODING: CodeStage
//   - VALIDATING: DeployStage, ValidateStage, EvalStage, FinalizeStage
//
// PR_CREATED runs no stage; the workflow waits for a pr_opened event delivered
// through Engine.NotifyExternalEvent.
//
// # Error Classification
//
// Stage failures are classified by ErrorKind:
//
//   - Transient: retried with exponential backoff
//   - Permanent: escalated without further retries of the stage
//   - Domain: the change is wrong; VALIDATING sends the workflow back to CODING
//   - Fatal: contract errors that fail the workflow immediately
//
// Re-iterations are bounded by Options.MaxIterations; a workflow that keeps failing
// validation ends in FAILED with IterationCapExceeded. A workflow that stays in one
// state longer than Options.StateTimeout ends in FAILED with StageTimeout.
//
// # Concurrency
//
// All mutations of one workflow are serialised by a per-workflow lock and written
// with a compare-and-swap on WorkflowContext.Version. At most one stage runs per
// workflow, and at most Options.MaxActiveWorkflows stages run across the engine.
package engine
