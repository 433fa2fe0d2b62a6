package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/prflow/prflow/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func outcome(stage string, iteration, attempt int, success bool) engine.StageOutcome {
	return engine.StageOutcome{
		StageName: engine.StageName(stage),
		Success:   success,
		Attempt:   attempt,
		Iteration: iteration,
	}
}

func TestEngine_BuiltinDecisions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		input      engine.MergeInput
		wantAuto   bool
		wantDenied bool
	}{
		{
			name: "clean first iteration auto merges",
			input: engine.MergeInput{
				Iteration: 1,
				Outcomes: []engine.StageOutcome{
					outcome("deploy", 1, 1, true),
					outcome("validate", 1, 1, true),
					outcome("eval", 1, 1, true),
				},
			},
			wantAuto: true,
		},
		{
			name: "later iteration needs a human",
			input: engine.MergeInput{
				Iteration: 2,
				Outcomes: []engine.StageOutcome{
					outcome("validate", 1, 1, false),
					outcome("validate", 2, 1, true),
				},
			},
		},
		{
			name: "recovered retry is not denied but not auto merged",
			input: engine.MergeInput{
				Iteration: 1,
				Outcomes: []engine.StageOutcome{
					outcome("deploy", 1, 1, false),
					outcome("deploy", 1, 2, true),
				},
			},
		},
		{
			name: "unrecovered failure denies",
			input: engine.MergeInput{
				Iteration: 1,
				Outcomes: []engine.StageOutcome{
					outcome("validate", 1, 1, true),
					outcome("eval", 1, 1, false),
				},
			},
			wantDenied: true,
		},
		{
			name:  "no outcomes is manual",
			input: engine.MergeInput{Iteration: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Decide(ctx, tt.input)
			if err != nil {
				t.Fatalf("Decide() error = %v", err)
			}
			if got.AutoMerge != tt.wantAuto {
				t.Errorf("AutoMerge = %v, want %v (reasons %v)", got.AutoMerge, tt.wantAuto, got.Reasons)
			}
			if got.Denied != tt.wantDenied {
				t.Errorf("Denied = %v, want %v (reasons %v)", got.Denied, tt.wantDenied, got.Reasons)
			}
		})
	}
}

func TestEngine_DenyReasonNamesStage(t *testing.T) {
	e := newTestEngine(t)

	got, err := e.Decide(context.Background(), engine.MergeInput{
		Iteration: 2,
		Outcomes:  []engine.StageOutcome{outcome("eval", 2, 1, false)},
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	joined := strings.Join(got.Reasons, "\n")
	if !strings.Contains(joined, "stage eval failed in iteration 2") {
		t.Errorf("reasons = %v, want the failed stage", got.Reasons)
	}
	if !strings.Contains(joined, "change needed 2 iterations") {
		t.Errorf("reasons = %v, want the iteration warning", got.Reasons)
	}
}

func TestEngine_CustomPolicyRefusesAutoMerge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.SetPolicies(ctx, []Policy{{
		Name:    "payments",
		Enabled: true,
		Rego: `package prflow.merge.payments

import rego.v1

auto_merge := false if contains(input.repository, "payments")
`,
	}})
	if err != nil {
		t.Fatalf("SetPolicies() error = %v", err)
	}

	clean := []engine.StageOutcome{outcome("validate", 1, 1, true)}

	got, err := e.Decide(ctx, engine.MergeInput{Repository: "git@example.com:acme/payments.git", Iteration: 1, Outcomes: clean})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if got.AutoMerge {
		t.Error("payments repository should not auto merge")
	}

	got, err = e.Decide(ctx, engine.MergeInput{Repository: "git@example.com:acme/web.git", Iteration: 1, Outcomes: clean})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !got.AutoMerge {
		t.Errorf("other repositories should auto merge, reasons %v", got.Reasons)
	}
}

func TestEngine_DisabledPolicyIsSkipped(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.SetPolicies(ctx, []Policy{{
		Name:    "freeze",
		Enabled: false,
		Rego: `package prflow.merge.freeze

import rego.v1

deny contains "merge freeze"
`,
	}})
	if err != nil {
		t.Fatalf("SetPolicies() error = %v", err)
	}

	got, err := e.Decide(ctx, engine.MergeInput{Iteration: 1})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if got.Denied {
		t.Errorf("disabled policy denied the merge: %v", got.Reasons)
	}
}

func TestEngine_InvalidPolicyKeepsPreviousSet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	good := Policy{Name: "freeze", Enabled: true, Rego: "package prflow.merge.freeze\n\nimport rego.v1\n\ndeny contains \"merge freeze\"\n"}
	if err := e.SetPolicies(ctx, []Policy{good}); err != nil {
		t.Fatalf("SetPolicies() error = %v", err)
	}

	bad := Policy{Name: "broken", Enabled: true, Rego: "package prflow.merge.broken\n\ndeny contains msg if {"}
	if err := e.SetPolicies(ctx, []Policy{bad}); err == nil {
		t.Fatal("SetPolicies() accepted a policy that does not parse")
	}

	names := map[string]bool{}
	for _, info := range e.List() {
		names[info.Name] = true
	}
	if !names["freeze"] || !names[BuiltinName] || names["broken"] {
		t.Errorf("List() = %v, want previous set", e.List())
	}
}

func TestEngine_DuplicateNamesRejected(t *testing.T) {
	e := newTestEngine(t)
	p := Policy{Name: BuiltinName, Enabled: true, Rego: "package prflow.merge.other\n"}
	if err := e.SetPolicies(context.Background(), []Policy{p}); err == nil {
		t.Fatal("SetPolicies() accepted a duplicate name")
	}
}

func TestEngine_NonBooleanAutoMergeIsAnError(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p := Policy{Name: "odd", Enabled: true, Rego: "package prflow.merge.odd\n\nauto_merge := \"yes\"\n"}
	if err := e.SetPolicies(ctx, []Policy{p}); err != nil {
		t.Fatalf("SetPolicies() error = %v", err)
	}
	if _, err := e.Decide(ctx, engine.MergeInput{Iteration: 1}); err == nil {
		t.Fatal("Decide() should fail for a non-boolean auto_merge")
	}
}

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "freeze.rego"), "# Blocks merges during a freeze.\npackage prflow.merge.freeze\n\nimport rego.v1\n\ndeny contains \"merge freeze\"\n")
	writeFile(t, filepath.Join(dir, "nested", "labels.json"), `{"name":"labels","enabled":true,"rego":"package prflow.merge.labels\n"}`)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	freeze, ok := byName["freeze"]
	if !ok {
		t.Fatal("freeze policy not loaded")
	}
	if freeze.Description != "Blocks merges during a freeze." {
		t.Errorf("Description = %q", freeze.Description)
	}
	if !freeze.Enabled || freeze.Source == "" {
		t.Errorf("freeze = %+v, want enabled with a source", freeze)
	}
	if _, ok := byName["labels"]; !ok {
		t.Error("labels policy not loaded")
	}
}

func TestLoader_MissingPath(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("LoadFromPaths() should fail for a missing path")
	}
}

func TestEngine_WatchPoliciesReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "open.rego"), "package prflow.merge.open\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(t)
	if err := e.WatchPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("WatchPolicies() error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "freeze.rego"), "package prflow.merge.freeze\n\nimport rego.v1\n\ndeny contains \"merge freeze\"\n")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := e.Decide(ctx, engine.MergeInput{Iteration: 1})
		if err != nil {
			t.Fatalf("Decide() error = %v", err)
		}
		if got.Denied {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("new policy was not picked up")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
