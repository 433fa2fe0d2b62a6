package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// Mock store with the same compare-and-swap semantics as the real stores
type mockStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   int
	saveErr error
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string][]byte)}
}

func (m *mockStore) Load(ctx context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	var wf Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (m *mockStore) Save(ctx context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	stored, exists := m.data[wf.ID]
	if wf.Context.Version == 0 {
		if exists {
			return ErrVersionConflict
		}
		next := wf.Clone()
		next.Context.Version = 1
		body, err := json.Marshal(next)
		if err != nil {
			return err
		}
		m.data[wf.ID] = body
		m.saves++
		wf.Context.Version = 1
		return nil
	}
	if !exists {
		return ErrWorkflowNotFound
	}
	var cur Workflow
	if err := json.Unmarshal(stored, &cur); err != nil {
		return err
	}
	if cur.Context.Version != wf.Context.Version {
		return ErrVersionConflict
	}
	body, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	if bytes.Equal(body, stored) {
		return nil
	}
	next := wf.Clone()
	next.Context.Version++
	if body, err = json.Marshal(next); err != nil {
		return err
	}
	m.data[wf.ID] = body
	m.saves++
	wf.Context.Version++
	return nil
}

func (m *mockStore) List(ctx context.Context, filter ListFilter) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Workflow
	for _, body := range m.data {
		var wf Workflow
		if err := json.Unmarshal(body, &wf); err != nil {
			return nil, err
		}
		if filter.Match(&wf) {
			out = append(out, &wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) put(t *testing.T, wf *Workflow) {
	t.Helper()
	body, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("Failed to marshal workflow: %v", err)
	}
	m.mu.Lock()
	m.data[wf.ID] = body
	m.mu.Unlock()
}

// Mock event sink recording state changes and progress
type mockSink struct {
	mu       sync.Mutex
	changes  []StateChange
	progress []Progress
}

func (m *mockSink) OnStateChange(ctx context.Context, change StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, change)
}

func (m *mockSink) OnProgress(ctx context.Context, p Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, p)
}

func (m *mockSink) getChanges(id string) []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StateChange
	for _, c := range m.changes {
		if c.WorkflowID == id {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockSink) countTo(id string, to WorkflowState) int {
	n := 0
	for _, c := range m.getChanges(id) {
		if c.To == to {
			n++
		}
	}
	return n
}

// Mock code generator
type mockCodeGen struct {
	mu       sync.Mutex
	requests []RunRequest
	runs     map[string]RunKind
	failKind map[RunKind]bool
	block    chan struct{}
	inflight int
	maxSeen  int
	createFn func(req RunRequest) error
}

func newMockCodeGen() *mockCodeGen {
	return &mockCodeGen{
		runs:     make(map[string]RunKind),
		failKind: make(map[RunKind]bool),
	}
}

func (m *mockCodeGen) CreateRun(ctx context.Context, req RunRequest) (RunHandle, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.inflight++
	if m.inflight > m.maxSeen {
		m.maxSeen = m.inflight
	}
	block := m.block
	fn := m.createFn
	id := fmt.Sprintf("%s-%d", req.Kind, len(m.requests))
	m.runs[id] = req.Kind
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return RunHandle{}, ctx.Err()
		}
	}
	if fn != nil {
		if err := fn(req); err != nil {
			return RunHandle{}, err
		}
	}
	return RunHandle{RunID: id, Status: RunStateQueued}, nil
}

func (m *mockCodeGen) GetRunStatus(ctx context.Context, runID string) (RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kind, ok := m.runs[runID]
	if !ok {
		return RunStatus{}, NewPermanentError(ErrorKindSchemaMismatch, "unknown run", nil)
	}
	if m.failKind[kind] {
		return RunStatus{RunID: runID, Status: RunStateFailed, Error: "agent gave up"}, nil
	}
	st := RunStatus{RunID: runID, Status: RunStateSucceeded}
	if kind == RunKindCode {
		st.Branch = "prflow/" + runID
	}
	return st, nil
}

func (m *mockCodeGen) getRequests() []RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunRequest(nil), m.requests...)
}

func (m *mockCodeGen) maxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

// Mock sandbox tracking snapshot lifetimes
type mockSandbox struct {
	mu        sync.Mutex
	next      int
	live      map[string]bool
	created   int
	destroyed int
	commands  []string
	execFn    func(cmd string, call int) (ExecResult, error)
}

func newMockSandbox() *mockSandbox {
	return &mockSandbox{live: make(map[string]bool)}
}

func (m *mockSandbox) CreateSnapshot(ctx context.Context, cfg SnapshotConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("snap-%d", m.next)
	m.live[id] = true
	m.created++
	return id, nil
}

func (m *mockSandbox) Execute(ctx context.Context, snapshotID, command string) (ExecResult, error) {
	m.mu.Lock()
	if !m.live[snapshotID] {
		m.mu.Unlock()
		return ExecResult{}, fmt.Errorf("snapshot %s does not exist", snapshotID)
	}
	calls := 0
	for _, c := range m.commands {
		if c == command {
			calls++
		}
	}
	m.commands = append(m.commands, command)
	fn := m.execFn
	m.mu.Unlock()

	if fn != nil {
		return fn(command, calls+1)
	}
	return ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (m *mockSandbox) Destroy(ctx context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, snapshotID)
	m.destroyed++
	return nil
}

func (m *mockSandbox) counts() (created, destroyed, live int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created, m.destroyed, len(m.live)
}

// Mock evaluator returning scripted verdicts
type mockEvaluator struct {
	mu       sync.Mutex
	verdicts []Evaluation
	calls    int
}

func (m *mockEvaluator) Evaluate(ctx context.Context, snapshotID, criteria string) (Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.verdicts) == 0 {
		return Evaluation{Success: true}, nil
	}
	v := m.verdicts[0]
	if len(m.verdicts) > 1 {
		m.verdicts = m.verdicts[1:]
	}
	return v, nil
}

type harness struct {
	store   *mockStore
	sink    *mockSink
	gen     *mockCodeGen
	sandbox *mockSandbox
	eval    *mockEvaluator
	opts    Options
	engine  *Engine
}

func testOptions() Options {
	return Options{
		MaxActiveWorkflows: 10,
		MaxIterations:      3,
		StateTimeout:       10 * time.Second,
		Retry: RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
	}
}

func newHarness(t *testing.T, configure ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		store:   newMockStore(),
		sink:    &mockSink{},
		gen:     newMockCodeGen(),
		sandbox: newMockSandbox(),
		eval:    &mockEvaluator{},
		opts:    testOptions(),
	}
	for _, c := range configure {
		c(h)
	}

	executor, err := NewPipelineStageExecutor([]Stage{
		&PlanStage{Generator: h.gen, PollInterval: time.Millisecond},
		&CodeStage{Generator: h.gen, PollInterval: time.Millisecond},
		&DeployStage{Sandbox: h.sandbox, Command: "make deploy"},
		&ValidateStage{Sandbox: h.sandbox, Command: "make test"},
		&EvalStage{Sandbox: h.sandbox, Evaluator: h.eval},
		&FinalizeStage{},
	}, WithStageTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	h.engine, err = NewEngine(h.store, executor, h.opts, WithEventSink(h.sink))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.engine.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return h
}

func (h *harness) waitForState(t *testing.T, id string, want WorkflowState) *Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *Workflow
	for time.Now().Before(deadline) {
		wf, err := h.store.Load(context.Background(), id)
		if err == nil {
			last = wf
			if wf.State == want {
				return wf
			}
			if wf.State.IsTerminal() && !want.IsTerminal() {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("Expected workflow %s to reach %s, got %s (error_kind=%s reason=%q)",
			id, want, last.State, last.ErrorKind, last.Reason)
	}
	t.Fatalf("Expected workflow %s to reach %s, workflow not found", id, want)
	return nil
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	id, err := h.engine.Start(context.Background(), "add a health endpoint", RepoRef{
		Repository: "https://example.com/acme/api.git",
		Branch:     "main",
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return id
}

func (h *harness) openPR(t *testing.T, id string) {
	t.Helper()
	err := h.engine.NotifyExternalEvent(context.Background(), id, "pr_opened", map[string]interface{}{
		"number": float64(42),
		"url":    "https://example.com/acme/api/pull/42",
	})
	if err != nil {
		t.Fatalf("NotifyExternalEvent failed: %v", err)
	}
}
