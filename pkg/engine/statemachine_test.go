package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	legal := map[WorkflowState][]WorkflowState{
		StateIdle:       {StatePlanning, StateFailed, StateCancelled},
		StatePlanning:   {StateCoding, StateFailed, StateCancelled},
		StateCoding:     {StatePRCreated, StateFailed, StateCancelled},
		StatePRCreated:  {StateValidating, StateFailed, StateCancelled},
		StateValidating: {StateCompleted, StateCoding, StateFailed, StateCancelled},
	}

	for _, from := range AllStates {
		for _, to := range AllStates {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestAllowedTargets_TerminalStates(t *testing.T) {
	for _, s := range []WorkflowState{StateCompleted, StateFailed, StateCancelled} {
		if targets := AllowedTargets(s); len(targets) != 0 {
			t.Errorf("Expected no targets from %s, got %v", s, targets)
		}
	}
}

func newTestWorkflow(t *testing.T, store *mockStore, state WorkflowState) *Workflow {
	t.Helper()
	entered := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	wf := &Workflow{
		ID:             "wf-" + string(state),
		State:          state,
		Context:        WorkflowContext{Goal: "goal", Repository: "repo"},
		CreatedAt:      entered,
		UpdatedAt:      entered,
		StateEnteredAt: entered,
	}
	if err := store.Save(context.Background(), wf); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}
	return wf
}

func TestStateMachine_IllegalTransitionLeavesWorkflowUntouched(t *testing.T) {
	store := newMockStore()
	sink := &mockSink{}
	m := NewStateMachine(store, sink)

	cases := []struct {
		from WorkflowState
		to   WorkflowState
	}{
		{StateIdle, StateCoding},
		{StatePlanning, StateValidating},
		{StatePRCreated, StateCompleted},
		{StateCompleted, StateCancelled},
		{StateFailed, StatePlanning},
		{StateCancelled, StateCancelled},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			wf := newTestWorkflow(t, store, tc.from)
			before := wf.StateEnteredAt
			version := wf.Context.Version

			err := m.Transition(context.Background(), wf, tc.to, "test")

			var ite *IllegalTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("Expected IllegalTransitionError, got %v", err)
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Error("Expected error to match ErrIllegalTransition")
			}
			if wf.State != tc.from {
				t.Errorf("Expected state %s, got %s", tc.from, wf.State)
			}
			if !wf.StateEnteredAt.Equal(before) {
				t.Error("Expected StateEnteredAt to be unchanged")
			}
			if wf.Context.Version != version {
				t.Errorf("Expected version %d, got %d", version, wf.Context.Version)
			}
		})
	}

	if len(sink.changes) != 0 {
		t.Errorf("Expected no events, got %d", len(sink.changes))
	}
}

func TestStateMachine_TransitionPersistsAndPublishes(t *testing.T) {
	store := newMockStore()
	sink := &mockSink{}
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	m := NewStateMachine(store, sink, WithClock(func() time.Time { return now }))

	wf := newTestWorkflow(t, store, StatePlanning)
	wf.StageCursor = 1

	if err := m.Transition(context.Background(), wf, StateCoding, "plan ready"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if wf.State != StateCoding {
		t.Errorf("Expected state CODING, got %s", wf.State)
	}
	if !wf.StateEnteredAt.Equal(now) {
		t.Errorf("Expected StateEnteredAt %v, got %v", now, wf.StateEnteredAt)
	}
	if wf.StageCursor != 0 {
		t.Errorf("Expected stage cursor reset, got %d", wf.StageCursor)
	}

	stored, err := store.Load(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stored.State != StateCoding || stored.Context.Version != wf.Context.Version {
		t.Errorf("Expected stored CODING at version %d, got %s at %d",
			wf.Context.Version, stored.State, stored.Context.Version)
	}

	changes := sink.getChanges(wf.ID)
	if len(changes) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(changes))
	}
	if changes[0].From != StatePlanning || changes[0].To != StateCoding || changes[0].Reason != "plan ready" {
		t.Errorf("Unexpected event: %+v", changes[0])
	}
}

func TestStateMachine_FailedSaveRestoresState(t *testing.T) {
	store := newMockStore()
	sink := &mockSink{}
	m := NewStateMachine(store, sink)

	wf := newTestWorkflow(t, store, StatePRCreated)
	before := wf.StateEnteredAt

	// A concurrent writer bumps the stored version.
	other, _ := store.Load(context.Background(), wf.ID)
	other.Context.PRURL = "https://example.com/pr/1"
	if err := store.Save(context.Background(), other); err != nil {
		t.Fatalf("Concurrent save failed: %v", err)
	}

	err := m.Transition(context.Background(), wf, StateValidating, "pr opened")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
	if wf.State != StatePRCreated {
		t.Errorf("Expected state PR_CREATED, got %s", wf.State)
	}
	if !wf.StateEnteredAt.Equal(before) {
		t.Error("Expected StateEnteredAt to be unchanged")
	}
	if len(sink.changes) != 0 {
		t.Errorf("Expected no events, got %d", len(sink.changes))
	}
}

func TestWorkflowState_Validate(t *testing.T) {
	for _, s := range AllStates {
		if err := s.Validate(); err != nil {
			t.Errorf("Expected %s to be valid: %v", s, err)
		}
	}
	if err := WorkflowState("MERGING").Validate(); err == nil {
		t.Error("Expected error for unknown state")
	}
	var s WorkflowState
	if err := s.UnmarshalJSON([]byte(`"BOGUS"`)); err == nil {
		t.Error("Expected error unmarshaling unknown state")
	}
}

type changeOnlySink struct {
	changes []StateChange
}

func (c *changeOnlySink) OnStateChange(_ context.Context, change StateChange) {
	c.changes = append(c.changes, change)
}

func TestMultiSink_FansOut(t *testing.T) {
	plain := &changeOnlySink{}
	withProgress := &mockSink{}
	sink := MultiSink{plain, nil, withProgress}

	sink.OnStateChange(context.Background(), StateChange{WorkflowID: "wf", From: StateIdle, To: StatePlanning})
	sink.OnProgress(context.Background(), Progress{WorkflowID: "wf", Type: ProgressStageStarted})

	if len(plain.changes) != 1 || len(withProgress.getChanges("wf")) != 1 {
		t.Errorf("Expected both sinks to receive the change")
	}
	if len(withProgress.progress) != 1 {
		t.Errorf("Expected progress to reach the progress sink, got %d", len(withProgress.progress))
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("PR_CREATED")
	if err != nil {
		t.Fatalf("ParseState() error = %v", err)
	}
	if !s.IsParked() || s.IsActive() || s.IsTerminal() {
		t.Errorf("PR_CREATED should only be parked")
	}
	if StateValidating.IsParked() {
		t.Error("VALIDATING is not parked")
	}
	if _, err := ParseState("pr_created"); err == nil {
		t.Error("expected lower-case state to be rejected")
	}
}
