package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// transitions is the complete edge table. Every non-terminal state may also
// move to FAILED or CANCELLED; terminal states have no outgoing edges.
var transitions = map[WorkflowState][]WorkflowState{
	StateIdle:       {StatePlanning},
	StatePlanning:   {StateCoding},
	StateCoding:     {StatePRCreated},
	StatePRCreated:  {StateValidating},
	StateValidating: {StateCompleted, StateCoding},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to WorkflowState) bool {
	if from.IsTerminal() || from.Validate() != nil || to.Validate() != nil {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns every state reachable from from in one transition.
func AllowedTargets(from WorkflowState) []WorkflowState {
	if from.IsTerminal() {
		return nil
	}
	out := append([]WorkflowState(nil), transitions[from]...)
	return append(out, StateFailed, StateCancelled)
}

// StateMachine validates, persists and publishes workflow transitions.
// Callers serialise access per workflow; the store's version check rejects
// writers that raced past that serialisation.
type StateMachine struct {
	store   Store
	sink    EventSink
	metrics MetricsRecorder
	logger  zerolog.Logger
	now     func() time.Time
}

// StateMachineOption configures a StateMachine.
type StateMachineOption func(*StateMachine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) StateMachineOption {
	return func(m *StateMachine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStateLogger sets the logger used for transition logs.
func WithStateLogger(logger zerolog.Logger) StateMachineOption {
	return func(m *StateMachine) {
		m.logger = logger
	}
}

// WithStateMetrics sets the recorder notified of every transition.
func WithStateMetrics(rec MetricsRecorder) StateMachineOption {
	return func(m *StateMachine) {
		m.metrics = rec
	}
}

// NewStateMachine creates a state machine writing through store and publishing to sink.
// sink may be nil.
func NewStateMachine(store Store, sink EventSink, opts ...StateMachineOption) *StateMachine {
	m := &StateMachine{
		store:  store,
		sink:   sink,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the state machine's current time.
func (m *StateMachine) Now() time.Time {
	return m.now()
}

// Transition moves wf to target. On an illegal edge it returns *IllegalTransitionError
// and leaves wf untouched. On success wf is persisted and the change is published
// before Transition returns. If the save fails, wf's state fields are restored and the
// store error is returned.
func (m *StateMachine) Transition(ctx context.Context, wf *Workflow, target WorkflowState, reason string) error {
	from := wf.State
	if !CanTransition(from, target) {
		return &IllegalTransitionError{WorkflowID: wf.ID, From: from, To: target}
	}

	prevEntered, prevUpdated := wf.StateEnteredAt, wf.UpdatedAt
	prevReason, prevCursor := wf.Reason, wf.StageCursor

	now := m.now().UTC()
	wf.State = target
	wf.StateEnteredAt = now
	wf.UpdatedAt = now
	wf.Reason = reason
	wf.StageCursor = 0

	if err := m.store.Save(ctx, wf); err != nil {
		wf.State = from
		wf.StateEnteredAt, wf.UpdatedAt = prevEntered, prevUpdated
		wf.Reason, wf.StageCursor = prevReason, prevCursor
		return fmt.Errorf("failed to persist transition %s -> %s: %w", from, target, err)
	}

	m.logger.Info().
		Str("workflow_id", wf.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("reason", reason).
		Int64("version", wf.Context.Version).
		Msg("Workflow transitioned")

	if m.metrics != nil {
		m.metrics.Transition(string(from), string(target))
	}

	m.publish(ctx, StateChange{
		WorkflowID: wf.ID,
		From:       from,
		To:         target,
		Reason:     reason,
		ErrorKind:  wf.ErrorKind,
		Context:    wf.Clone().Context,
		Timestamp:  now,
	})
	return nil
}

func (m *StateMachine) publish(ctx context.Context, change StateChange) {
	if m.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("workflow_id", change.WorkflowID).
				Msg("Event sink panicked")
		}
	}()
	m.sink.OnStateChange(ctx, change)
}
