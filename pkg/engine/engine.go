package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Engine defaults.
const (
	DefaultMaxActiveWorkflows = 50
	DefaultMaxIterations      = 3
	DefaultStateTimeout       = 30 * time.Minute
	defaultConflictRetries    = 5
)

// Options tunes the engine.
type Options struct {
	// MaxActiveWorkflows bounds how many workflows execute a stage at the same time.
	MaxActiveWorkflows int

	// MaxIterations bounds VALIDATING -> CODING re-iterations across the workflow.
	MaxIterations int

	// StateTimeout fails a workflow that stays in one non-terminal state for longer.
	StateTimeout time.Duration

	// EarlyEvents selects what happens to a pr_opened that arrives before PR_CREATED.
	EarlyEvents EarlyEventPolicy

	// Retry is the policy used for stages without an override.
	Retry RetryPolicy

	// StageRetry overrides Retry per stage.
	StageRetry map[StageName]RetryPolicy
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		MaxActiveWorkflows: DefaultMaxActiveWorkflows,
		MaxIterations:      DefaultMaxIterations,
		StateTimeout:       DefaultStateTimeout,
		EarlyEvents:        EarlyEventReject,
		Retry:              DefaultRetryPolicy(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxActiveWorkflows <= 0 {
		o.MaxActiveWorkflows = d.MaxActiveWorkflows
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.StateTimeout <= 0 {
		o.StateTimeout = d.StateTimeout
	}
	if o.EarlyEvents == "" {
		o.EarlyEvents = d.EarlyEvents
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEventSink sets the sink notified of state changes. If the sink also
// implements ProgressSink it receives stage progress as well.
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec MetricsRecorder) EngineOption {
	return func(e *Engine) { e.metrics = rec }
}

// WithTimeSource overrides the engine clock.
func WithTimeSource(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// entry is the in-process bookkeeping for one workflow.
type entry struct {
	// mu serialises every mutation of the workflow in this process.
	mu sync.Mutex

	// The fields below are guarded by Engine.mu.
	running  bool
	pending  bool
	released bool
	deadline *time.Timer
	retry    *time.Timer
	// backoff is set while a failed stage waits for its retry timer.
	backoff bool
}

// Engine drives workflows through their states.
type Engine struct {
	opts     Options
	store    Store
	executor *PipelineStageExecutor
	machine  *StateMachine
	sink     EventSink
	progress ProgressSink
	metrics  MetricsRecorder
	logger   zerolog.Logger
	sem      *semaphore.Weighted
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	active  int
	stopped bool
}

// NewEngine creates an engine. The engine does not run anything until Start, Recover
// or an external event schedules a workflow.
func NewEngine(store Store, executor *PipelineStageExecutor, opts Options, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, invalidInput("store is required")
	}
	if executor == nil {
		return nil, invalidInput("stage executor is required")
	}
	opts = opts.withDefaults()
	for state, stages := range pipeline {
		for _, s := range stages {
			if !executor.Has(s) {
				return nil, invalidInput("no stage registered for %s in state %s", s, state)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		store:    store,
		executor: executor,
		logger:   zerolog.Nop(),
		sem:      semaphore.NewWeighted(int64(opts.MaxActiveWorkflows)),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
	for _, o := range options {
		o(e)
	}
	if ps, ok := e.sink.(ProgressSink); ok {
		e.progress = ps
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()
	e.machine = NewStateMachine(store, e.sink,
		WithClock(e.now), WithStateLogger(e.logger), WithStateMetrics(e.metrics))
	return e, nil
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// Start creates a workflow for goal on repo, moves it to PLANNING and schedules it.
// It returns as soon as the workflow is persisted.
func (e *Engine) Start(ctx context.Context, goal string, repo RepoRef) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", invalidInput("goal is required")
	}
	if strings.TrimSpace(repo.Repository) == "" {
		return "", invalidInput("repository is required")
	}
	if e.isStopped() {
		return "", ErrEngineStopped
	}

	now := e.now().UTC()
	wf := &Workflow{
		ID:    uuid.New().String(),
		State: StateIdle,
		Context: WorkflowContext{
			Goal:       goal,
			Repository: repo.Repository,
			Branch:     repo.Branch,
		},
		CreatedAt:      now,
		UpdatedAt:      now,
		StateEnteredAt: now,
		RetryCounts:    make(map[StageName]int),
	}
	if err := e.store.Save(ctx, wf); err != nil {
		return "", fmt.Errorf("failed to create workflow: %w", err)
	}
	if e.metrics != nil {
		e.metrics.WorkflowStarted()
	}
	e.logger.Info().Str("workflow_id", wf.ID).Str("repository", repo.Repository).Msg("Workflow created")

	cur, err := e.mutate(ctx, wf.ID, func(cur *Workflow) error {
		if cur.State != StateIdle {
			return nil
		}
		return e.machine.Transition(ctx, cur, StatePlanning, "workflow started")
	})
	if err != nil {
		return wf.ID, err
	}
	e.afterChange(cur)
	e.schedule(wf.ID)
	return wf.ID, nil
}

// Adopt creates a workflow for a pull request opened outside the pipeline and
// starts validating it right away.
func (e *Engine) Adopt(ctx context.Context, goal string, repo RepoRef, pr PRRef) (string, error) {
	if strings.TrimSpace(repo.Repository) == "" {
		return "", invalidInput("repository is required")
	}
	if pr.Number <= 0 {
		return "", invalidInput("pull request number is required")
	}
	if e.isStopped() {
		return "", ErrEngineStopped
	}
	if goal == "" {
		goal = fmt.Sprintf("validate pull request #%d", pr.Number)
	}

	now := e.now().UTC()
	wf := &Workflow{
		ID:    uuid.New().String(),
		State: StatePRCreated,
		Context: WorkflowContext{
			Goal:       goal,
			Repository: repo.Repository,
			Branch:     repo.Branch,
			PRNumber:   pr.Number,
			PRURL:      pr.URL,
			Iteration:  1,
		},
		CreatedAt:      now,
		UpdatedAt:      now,
		StateEnteredAt: now,
		RetryCounts:    make(map[StageName]int),
	}
	if err := e.store.Save(ctx, wf); err != nil {
		return "", fmt.Errorf("failed to create workflow: %w", err)
	}
	if e.metrics != nil {
		e.metrics.WorkflowStarted()
	}

	cur, err := e.mutate(ctx, wf.ID, func(cur *Workflow) error {
		if cur.State != StatePRCreated {
			return nil
		}
		return e.machine.Transition(ctx, cur, StateValidating, "pull request adopted")
	})
	if err != nil {
		return wf.ID, err
	}
	e.afterChange(cur)
	e.schedule(wf.ID)
	return wf.ID, nil
}

// Get returns the current workflow.
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	return e.store.Load(ctx, id)
}

// List returns workflows matching filter.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]*Workflow, error) {
	return e.store.List(ctx, filter)
}

// Cancel moves a non-terminal workflow to CANCELLED. Cancelling a cancelled
// workflow is a no-op; cancelling a completed or failed one is an illegal transition.
// A stage that is still running finishes, and its outcome is discarded.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	cur, err := e.mutate(ctx, id, func(cur *Workflow) error {
		if cur.State == StateCancelled {
			return nil
		}
		return e.machine.Transition(ctx, cur, StateCancelled, reason)
	})
	if err != nil {
		return err
	}
	e.afterChange(cur)
	return nil
}

// NotifyExternalEvent applies an inbound source-control event.
func (e *Engine) NotifyExternalEvent(ctx context.Context, id, eventType string, payload map[string]interface{}) error {
	t := EventType(eventType)
	if err := t.Validate(); err != nil {
		return err
	}

	var from WorkflowState
	cur, err := e.mutate(ctx, id, func(cur *Workflow) error {
		from = cur.State
		switch t {
		case EventPROpened:
			switch cur.State {
			case StatePRCreated:
				if prNumber(payload) == 0 {
					return invalidInput("%s for workflow %s carries no pull request number", t, cur.ID)
				}
				applyPRPayload(cur, payload)
				return e.machine.Transition(ctx, cur, StateValidating, "pull request opened")
			case StateIdle, StatePlanning, StateCoding:
				if e.opts.EarlyEvents == EarlyEventBuffer {
					if prNumber(payload) == 0 {
						return invalidInput("%s for workflow %s carries no pull request number", t, cur.ID)
					}
					cur.PendingEvents = append(cur.PendingEvents, ExternalEvent{
						Type: t, Payload: payload, ReceivedAt: e.now().UTC(),
					})
					cur.UpdatedAt = e.now().UTC()
					return e.store.Save(ctx, cur)
				}
			}
		case EventPRMerged:
			if cur.State == StatePRCreated || cur.State == StateValidating {
				applyPRPayload(cur, payload)
				cur.Context.Merged = true
				cur.UpdatedAt = e.now().UTC()
				return e.store.Save(ctx, cur)
			}
		case EventPRClosed:
			if cur.State == StatePRCreated || cur.State == StateValidating {
				return e.machine.Transition(ctx, cur, StateCancelled, "pull request closed")
			}
		}
		return e.unexpectedEvent(ctx, cur, t)
	})
	if err != nil {
		return err
	}
	e.afterChange(cur)
	// Only a transition gives the driver new work.
	if cur.State != from && cur.State.IsActive() {
		e.schedule(id)
	}
	return nil
}

// Recover re-arms timers and re-schedules every non-terminal workflow in the store.
// It returns the number of workflows recovered.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	wfs, err := e.store.List(ctx, ListFilter{NonTerminal: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list workflows for recovery: %w", err)
	}
	for _, wf := range wfs {
		e.armDeadline(wf)
		if wf.State == StateIdle || wf.State.IsActive() {
			e.schedule(wf.ID)
		}
		e.logger.Info().Str("workflow_id", wf.ID).Str("state", string(wf.State)).
			Time("state_entered_at", wf.StateEnteredAt).Msg("Workflow recovered")
	}
	return len(wfs), nil
}

// Shutdown stops scheduling, cancels in-flight stages and waits for drivers to exit.
// Discarded stage attempts run again after Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	for _, ent := range e.entries {
		stopTimer(ent.deadline)
		stopTimer(ent.retry)
	}
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) entry(id string) *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[id]
	if !ok {
		ent = &entry{}
		e.entries[id] = ent
	}
	return ent
}

// mutate loads the workflow under its lock and applies fn, which persists its own
// changes. Version conflicts reload and re-apply.
func (e *Engine) mutate(ctx context.Context, id string, fn func(cur *Workflow) error) (*Workflow, error) {
	ent := e.entry(id)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	var lastErr error
	for i := 0; i < defaultConflictRetries; i++ {
		cur, err := e.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.RetryCounts == nil {
			cur.RetryCounts = make(map[StageName]int)
		}
		err = fn(cur)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return cur, err
		}
		lastErr = err
		e.logger.Debug().Str("workflow_id", id).Int("attempt", i+1).Msg("Version conflict, reloading workflow")
	}
	return nil, lastErr
}

// afterChange re-arms the state deadline and releases bookkeeping of terminal workflows.
func (e *Engine) afterChange(wf *Workflow) {
	if wf == nil {
		return
	}
	if wf.State.IsTerminal() {
		e.release(wf.ID)
		return
	}
	e.armDeadline(wf)
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[id]
	if !ok || ent.released {
		return
	}
	stopTimer(ent.deadline)
	stopTimer(ent.retry)
	ent.released = true
	if !ent.running {
		delete(e.entries, id)
	}
}

func (e *Engine) armDeadline(wf *Workflow) {
	id, state, entered := wf.ID, wf.State, wf.StateEnteredAt
	wait := entered.Add(e.opts.StateTimeout).Sub(e.now())
	if wait < 0 {
		wait = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	ent, ok := e.entries[id]
	if !ok {
		ent = &entry{}
		e.entries[id] = ent
	}
	stopTimer(ent.deadline)
	ent.deadline = time.AfterFunc(wait, func() {
		e.expire(id, state, entered)
	})
}

// expire fails the workflow if it is still in state since entered and the deadline passed.
func (e *Engine) expire(id string, state WorkflowState, entered time.Time) {
	var rearm bool
	cur, err := e.mutate(e.ctx, id, func(cur *Workflow) error {
		if cur.State != state || !cur.StateEnteredAt.Equal(entered) || cur.State.IsTerminal() {
			return nil
		}
		if e.now().Before(entered.Add(e.opts.StateTimeout)) {
			rearm = true
			return nil
		}
		stage := StageAwaitPR
		if stages := pipeline[state]; cur.StageCursor < len(stages) {
			stage = stages[cur.StageCursor]
		}
		cur.Context.ValidationResults = append(cur.Context.ValidationResults, StageOutcome{
			StageName: stage,
			Success:   false,
			ErrorKind: ErrorKindStageTimeout,
			Diagnostics: map[string]interface{}{
				"state":            string(state),
				"state_entered_at": entered.Format(time.RFC3339Nano),
				"timeout":          e.opts.StateTimeout.String(),
			},
			Iteration:  cur.Context.Iteration,
			FinishedAt: e.now().UTC(),
		})
		cur.ErrorKind = ErrorKindStageTimeout
		return e.machine.Transition(e.ctx, cur, StateFailed,
			fmt.Sprintf("%s exceeded the %s state timeout", state, e.opts.StateTimeout))
	})
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Error().Err(err).Str("workflow_id", id).Msg("Failed to apply state timeout")
		}
		return
	}
	if rearm {
		e.armDeadline(cur)
		return
	}
	if cur.State.IsTerminal() {
		e.finished(cur)
	}
	e.afterChange(cur)
}

func (e *Engine) finished(wf *Workflow) {
	if e.metrics != nil {
		e.metrics.WorkflowFinished(string(wf.State), wf.UpdatedAt.Sub(wf.CreatedAt))
	}
	e.logger.Info().Str("workflow_id", wf.ID).Str("state", string(wf.State)).
		Str("error_kind", string(wf.ErrorKind)).Msg("Workflow finished")
}

// schedule starts a driver for the workflow unless one is already running or
// a retry backoff is pending.
func (e *Engine) schedule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	ent, ok := e.entries[id]
	if !ok {
		ent = &entry{}
		e.entries[id] = ent
	}
	if ent.backoff {
		return
	}
	if ent.running {
		ent.pending = true
		return
	}
	ent.running = true
	ent.pending = false
	e.wg.Add(1)
	go e.drive(id, ent)
}

func (e *Engine) scheduleRetry(id string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	ent, ok := e.entries[id]
	if !ok {
		return
	}
	stopTimer(ent.retry)
	ent.backoff = true
	ent.retry = time.AfterFunc(delay, func() { e.retryDue(id) })
}

func (e *Engine) retryDue(id string) {
	e.mu.Lock()
	if ent, ok := e.entries[id]; ok {
		ent.backoff = false
	}
	e.mu.Unlock()
	e.schedule(id)
}

func (e *Engine) drive(id string, ent *entry) {
	defer e.wg.Done()
	for {
		e.advance(id)

		e.mu.Lock()
		if ent.pending && !e.stopped && !ent.released {
			ent.pending = false
			e.mu.Unlock()
			continue
		}
		ent.running = false
		if ent.released {
			delete(e.entries, id)
		}
		e.mu.Unlock()
		return
	}
}

type stepResult int

const (
	stepContinue stepResult = iota
	stepStop
)

// advance runs stages until the workflow parks, finishes, waits for a retry or the engine stops.
func (e *Engine) advance(id string) {
	for e.ctx.Err() == nil {
		if e.step(id) == stepStop {
			return
		}
	}
}

func (e *Engine) step(id string) stepResult {
	wf, err := e.store.Load(e.ctx, id)
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Error().Err(err).Str("workflow_id", id).Msg("Failed to load workflow")
		}
		return stepStop
	}

	switch {
	case wf.State.IsTerminal():
		e.release(id)
		return stepStop
	case wf.State == StateIdle:
		cur, err := e.mutate(e.ctx, id, func(cur *Workflow) error {
			if cur.State != StateIdle {
				return nil
			}
			return e.machine.Transition(e.ctx, cur, StatePlanning, "workflow started")
		})
		if err != nil {
			e.logger.Error().Err(err).Str("workflow_id", id).Msg("Failed to start planning")
			return stepStop
		}
		e.afterChange(cur)
		return stepContinue
	case !wf.State.IsActive():
		return stepStop
	}

	if !e.now().Before(wf.StateEnteredAt.Add(e.opts.StateTimeout)) {
		e.expire(id, wf.State, wf.StateEnteredAt)
		return stepStop
	}

	stages := pipeline[wf.State]
	if wf.StageCursor >= len(stages) {
		return e.apply(id, wf.State, wf.StageCursor, "", 0, StageOutcome{}, StageReport{}, nil)
	}
	stage := stages[wf.StageCursor]
	attempt := wf.RetryCounts[stage] + 1

	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return stepStop
	}
	e.setActive(1)
	e.emitProgress(Progress{WorkflowID: id, Type: ProgressStageStarted, State: wf.State, Stage: stage, Attempt: attempt})
	e.logger.Debug().Str("workflow_id", id).Str("stage", string(stage)).Int("attempt", attempt).Msg("Stage started")

	in := StageInput{WorkflowID: id, State: wf.State, Context: wf.Clone().Context, Attempt: attempt}
	outcome, report, execErr := e.executor.Execute(e.ctx, stage, in)
	e.setActive(-1)
	e.sem.Release(1)

	if e.ctx.Err() != nil {
		e.logger.Info().Str("workflow_id", id).Str("stage", string(stage)).Msg("Engine stopping, stage outcome dropped")
		return stepStop
	}

	if e.metrics != nil {
		result := "success"
		if !outcome.Success {
			result = "failure"
			e.metrics.StageError(string(outcome.ErrorKind.Class()), string(outcome.ErrorKind))
		}
		e.metrics.StageAttempt(string(stage), result, time.Duration(outcome.DurationMs)*time.Millisecond)
	}
	o := outcome
	e.emitProgress(Progress{WorkflowID: id, Type: ProgressStageCompleted, State: wf.State, Stage: stage, Attempt: attempt, Outcome: &o})

	return e.apply(id, wf.State, wf.StageCursor, stage, attempt, outcome, report, execErr)
}

// apply records a stage outcome and moves the workflow forward. The outcome is
// discarded if the workflow left the state or cursor the stage was started from.
func (e *Engine) apply(
	id string,
	state WorkflowState,
	cursor int,
	stage StageName,
	attempt int,
	outcome StageOutcome,
	report StageReport,
	execErr error,
) stepResult {
	var (
		result    stepResult
		retry     bool
		retryIn   time.Duration
		discarded bool
	)
	cur, err := e.mutate(e.ctx, id, func(cur *Workflow) error {
		result, retry, retryIn, discarded = stepContinue, false, 0, false
		if cur.State.IsTerminal() || cur.State != state || cur.StageCursor != cursor {
			discarded = true
			return nil
		}
		cur.UpdatedAt = e.now().UTC()
		stages := pipeline[state]

		if stage != "" {
			cur.RetryCounts[stage] = attempt
			cur.Context.ValidationResults = append(cur.Context.ValidationResults, outcome)
		}

		if execErr != nil {
			e.logger.Error().Err(execErr).Str("workflow_id", id).Str("stage", string(stage)).
				Msg("Stage contract violation, failing workflow")
			return e.fail(cur, outcome.ErrorKind, execErr.Error())
		}

		if stage == "" || outcome.Success {
			if stage != "" {
				applyReport(cur, report)
				cur.StageCursor++
			}
			if cur.StageCursor < len(stages) {
				return e.store.Save(e.ctx, cur)
			}
			return e.completeState(cur)
		}

		decision := e.retryPolicy(stage).Decide(stage, outcome.ErrorKind, attempt)
		e.logger.Warn().Str("workflow_id", id).Str("stage", string(stage)).Int("attempt", attempt).
			Str("error_kind", string(outcome.ErrorKind)).Str("decision", decision.String()).Msg("Stage failed")

		switch decision.Action {
		case ActionRetry:
			result, retry, retryIn = stepStop, true, decision.Delay
			return e.store.Save(e.ctx, cur)
		case ActionEscalate:
			if state == StateValidating {
				return e.reiterate(cur, stage, outcome)
			}
			return e.fail(cur, outcome.ErrorKind, fmt.Sprintf("stage %s escalated: %s", stage, outcome.ErrorKind))
		default:
			return e.fail(cur, outcome.ErrorKind,
				fmt.Sprintf("stage %s failed after %d attempts: %s", stage, attempt, outcome.ErrorKind))
		}
	})
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Error().Err(err).Str("workflow_id", id).Str("stage", string(stage)).Msg("Failed to apply stage outcome")
		}
		return stepStop
	}
	if discarded {
		e.logger.Info().Str("workflow_id", id).Str("stage", string(stage)).Str("state", string(cur.State)).
			Msg("Workflow moved on while stage was running, outcome discarded")
		e.emitProgress(Progress{WorkflowID: id, Type: ProgressAnomaly, State: cur.State, Stage: stage,
			Message: "stale stage outcome discarded"})
		e.afterChange(cur)
		if cur.State.IsActive() {
			return stepContinue
		}
		return stepStop
	}

	if cur.State != state {
		if cur.State.IsTerminal() {
			e.finished(cur)
		}
		e.afterChange(cur)
	}
	if retry {
		e.emitProgress(Progress{WorkflowID: id, Type: ProgressStageRetrying, State: cur.State, Stage: stage,
			Attempt: attempt + 1, Delay: retryIn})
		e.scheduleRetry(id, retryIn)
		return stepStop
	}
	if result == stepContinue && cur.State.IsActive() {
		return stepContinue
	}
	return stepStop
}

// completeState transitions cur out of a state whose stages all succeeded.
func (e *Engine) completeState(cur *Workflow) error {
	switch cur.State {
	case StatePlanning:
		cur.Context.Iteration = 1
		cur.RetryCounts = make(map[StageName]int)
		return e.machine.Transition(e.ctx, cur, StateCoding, "plan ready")
	case StateCoding:
		if err := e.machine.Transition(e.ctx, cur, StatePRCreated, "change ready for pull request"); err != nil {
			return err
		}
		if err := e.drainPending(cur); err != nil || cur.State != StatePRCreated {
			return err
		}
		if cur.Context.PRNumber > 0 {
			// Re-iterations push to the pull request opened earlier.
			return e.machine.Transition(e.ctx, cur, StateValidating, "pull request updated")
		}
		return nil
	case StateValidating:
		return e.machine.Transition(e.ctx, cur, StateCompleted, "validation passed")
	default:
		return fmt.Errorf("%w: state %s has no stages", ErrIllegalTransition, cur.State)
	}
}

// drainPending applies a buffered pr_opened once the workflow reaches PR_CREATED.
func (e *Engine) drainPending(cur *Workflow) error {
	for i, ev := range cur.PendingEvents {
		if ev.Type != EventPROpened {
			continue
		}
		cur.PendingEvents = append(cur.PendingEvents[:i:i], cur.PendingEvents[i+1:]...)
		applyPRPayload(cur, ev.Payload)
		return e.machine.Transition(e.ctx, cur, StateValidating, "pull request opened (buffered)")
	}
	return nil
}

// reiterate sends a workflow back to CODING with the failure as feedback, or
// fails it when the iteration cap is reached.
func (e *Engine) reiterate(cur *Workflow, stage StageName, outcome StageOutcome) error {
	if cur.Context.Iteration >= e.opts.MaxIterations {
		return e.fail(cur, ErrorKindIterationCapExceeded,
			fmt.Sprintf("iteration cap %d reached after %s failed with %s", e.opts.MaxIterations, stage, outcome.ErrorKind))
	}
	cur.Context.Feedback = append(cur.Context.Feedback, Feedback{
		Iteration: cur.Context.Iteration,
		Stage:     stage,
		ErrorKind: outcome.ErrorKind,
		Summary:   feedbackSummary(outcome),
	})
	cur.Context.Iteration++
	cur.RetryCounts = make(map[StageName]int)
	return e.machine.Transition(e.ctx, cur, StateCoding,
		fmt.Sprintf("%s failed with %s, re-iterating", stage, outcome.ErrorKind))
}

func (e *Engine) fail(cur *Workflow, kind ErrorKind, reason string) error {
	if kind == "" {
		kind = ErrorKindUnknown
	}
	cur.ErrorKind = kind
	return e.machine.Transition(e.ctx, cur, StateFailed, reason)
}

func (e *Engine) retryPolicy(stage StageName) RetryPolicy {
	if p, ok := e.opts.StageRetry[stage]; ok {
		return p
	}
	return e.opts.Retry
}

func (e *Engine) unexpectedEvent(ctx context.Context, cur *Workflow, t EventType) error {
	e.logger.Warn().Str("workflow_id", cur.ID).Str("event", string(t)).Str("state", string(cur.State)).
		Msg("Anomaly: external event does not apply to current state")
	e.emitProgress(Progress{WorkflowID: cur.ID, Type: ProgressAnomaly, State: cur.State,
		Message: fmt.Sprintf("unexpected %s in state %s", t, cur.State)})
	return fmt.Errorf("%w: %s in state %s", ErrUnexpectedEvent, t, cur.State)
}

func (e *Engine) emitProgress(p Progress) {
	if e.progress == nil {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.now().UTC()
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("Progress sink panicked")
		}
	}()
	e.progress.OnProgress(e.ctx, p)
}

func (e *Engine) setActive(delta int) {
	e.mu.Lock()
	e.active += delta
	n := e.active
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ActiveWorkflows(n)
	}
}

func applyReport(cur *Workflow, r StageReport) {
	if r.PlanID != "" {
		cur.Context.PlanID = r.PlanID
	}
	if r.CodeRunID != "" {
		cur.Context.CodeRunID = r.CodeRunID
	}
	if r.Branch != "" {
		cur.Context.Branch = r.Branch
	}
	if r.MergeMode != "" {
		cur.Context.MergeMode = r.MergeMode
	}
	if r.Merged {
		cur.Context.Merged = true
	}
}

func prNumber(payload map[string]interface{}) int {
	if n := intFrom(payload["number"]); n > 0 {
		return n
	}
	return intFrom(payload["pr_number"])
}

func applyPRPayload(cur *Workflow, payload map[string]interface{}) {
	if n := prNumber(payload); n > 0 {
		cur.Context.PRNumber = n
	}
	for _, key := range []string{"url", "pr_url", "html_url"} {
		if s, ok := payload[key].(string); ok && s != "" {
			cur.Context.PRURL = s
			break
		}
	}
	if s, ok := payload["branch"].(string); ok && s != "" {
		cur.Context.Branch = s
	}
}

func intFrom(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func feedbackSummary(o StageOutcome) string {
	parts := []string{fmt.Sprintf("%s failed with %s", o.StageName, o.ErrorKind)}
	if f, ok := o.Diagnostics["findings"].([]string); ok && len(f) > 0 {
		parts = append(parts, "findings: "+strings.Join(f, "; "))
	}
	if s, ok := o.Diagnostics["stderr"].(string); ok && s != "" {
		parts = append(parts, "stderr: "+tail(s, 512))
	}
	if s, ok := o.Diagnostics["criteria_reason"].(string); ok && s != "" {
		parts = append(parts, "criteria: "+s)
	}
	return strings.Join(parts, "\n")
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
