package ssh

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/prflow/prflow/pkg/engine"
)

// mockRemote records calls and answers commands from a script.
type mockRemote struct {
	mu       sync.Mutex
	commands []string
	dirs     []string
	files    map[string][]byte
	removed  []string

	exitCodes map[string]int // command prefix -> exit code
	runErr    error
	writeErr  error
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		files:     make(map[string][]byte),
		exitCodes: make(map[string]int),
	}
}

func (m *mockRemote) Run(_ context.Context, cmd string) (engine.ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	if m.runErr != nil {
		return engine.ExecResult{}, m.runErr
	}
	for prefix, code := range m.exitCodes {
		if strings.HasPrefix(cmd, prefix) {
			return engine.ExecResult{ExitCode: code, Stderr: "fatal: boom"}, nil
		}
	}
	return engine.ExecResult{Stdout: "ok"}, nil
}

func (m *mockRemote) MkdirAll(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, dir)
	return nil
}

func (m *mockRemote) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.files[path] = data
	return nil
}

func (m *mockRemote) RemoveAll(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, dir)
	return nil
}

func newTestSandbox(r remote) *Sandbox {
	cfg := DefaultConfig("sandbox.internal", "ci")
	s := newSandbox(r, cfg, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func TestSandbox_CreateSnapshot(t *testing.T) {
	r := newMockRemote()
	s := newTestSandbox(r)

	id, err := s.CreateSnapshot(context.Background(), engine.SnapshotConfig{
		WorkflowID: "wf-1",
		Repository: "https://git.example.com/acme/web.git",
		Branch:     "feature/x",
	})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	dir := "/var/tmp/prflow/" + id
	if len(r.dirs) != 1 || r.dirs[0] != dir {
		t.Errorf("dirs = %v, want [%s]", r.dirs, dir)
	}
	if len(r.commands) != 1 {
		t.Fatalf("commands = %v, want only the clone", r.commands)
	}
	wantClone := "git clone --quiet --depth 1 --branch 'feature/x' -- 'https://git.example.com/acme/web.git' '" + dir + "/workspace'"
	if r.commands[0] != wantClone {
		t.Errorf("clone = %q\nwant    %q", r.commands[0], wantClone)
	}

	raw, ok := r.files[dir+"/snapshot.json"]
	if !ok {
		t.Fatalf("manifest not written, files = %v", r.files)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("manifest is not JSON: %v", err)
	}
	if m.SnapshotID != id || m.WorkflowID != "wf-1" || m.Branch != "feature/x" {
		t.Errorf("manifest = %+v", m)
	}
	if len(r.removed) != 0 {
		t.Errorf("nothing should be removed, got %v", r.removed)
	}
}

func TestSandbox_CreateSnapshotChecksOutPR(t *testing.T) {
	r := newMockRemote()
	s := newTestSandbox(r)

	id, err := s.CreateSnapshot(context.Background(), engine.SnapshotConfig{
		Repository: "git@example.com:acme/web.git",
		PRNumber:   42,
	})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if len(r.commands) != 2 {
		t.Fatalf("commands = %v, want clone and checkout", r.commands)
	}
	want := "cd '/var/tmp/prflow/" + id + "/workspace' && git fetch --quiet --depth 1 origin pull/42/head && git checkout --quiet --detach FETCH_HEAD"
	if r.commands[1] != want {
		t.Errorf("checkout = %q\nwant       %q", r.commands[1], want)
	}
}

func TestSandbox_CreateSnapshotCloneFailureCleansUp(t *testing.T) {
	r := newMockRemote()
	r.exitCodes["git clone"] = 128
	s := newTestSandbox(r)

	_, err := s.CreateSnapshot(context.Background(), engine.SnapshotConfig{Repository: "https://git.example.com/acme/web.git"})
	if err == nil {
		t.Fatal("expected clone failure")
	}
	if engine.KindOf(err) != engine.ErrorKindNonZeroExit {
		t.Errorf("kind = %s, want NonZeroExit", engine.KindOf(err))
	}
	if len(r.removed) != 1 || r.removed[0] != r.dirs[0] {
		t.Errorf("partial snapshot not removed: removed=%v dirs=%v", r.removed, r.dirs)
	}
}

func TestSandbox_CreateSnapshotTransportFailure(t *testing.T) {
	r := newMockRemote()
	r.runErr = &TransportError{Op: "exec", Err: errors.New("connection reset"), IsTemporary: true}
	s := newTestSandbox(r)

	_, err := s.CreateSnapshot(context.Background(), engine.SnapshotConfig{Repository: "https://git.example.com/acme/web.git"})
	if !engine.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if engine.KindOf(err) != engine.ErrorKindServiceUnavailable {
		t.Errorf("kind = %s, want ServiceUnavailable", engine.KindOf(err))
	}
}

func TestSandbox_CreateSnapshotRequiresRepository(t *testing.T) {
	s := newTestSandbox(newMockRemote())

	_, err := s.CreateSnapshot(context.Background(), engine.SnapshotConfig{})
	if !engine.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestSandbox_ExecuteAndDestroy(t *testing.T) {
	r := newMockRemote()
	s := newTestSandbox(r)
	ctx := context.Background()
	id := "5f1b8e0a-7c1d-4a8e-b0a5-7e6a2d3c4b5a"

	res, err := s.Execute(ctx, id, "go test ./...")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Stdout != "ok" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	want := "cd '/var/tmp/prflow/" + id + "/workspace' && go test ./..."
	if r.commands[0] != want {
		t.Errorf("command = %q, want %q", r.commands[0], want)
	}

	if err := s.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if len(r.removed) != 1 || r.removed[0] != "/var/tmp/prflow/"+id {
		t.Errorf("removed = %v", r.removed)
	}
}

func TestSandbox_RejectsForeignIDs(t *testing.T) {
	r := newMockRemote()
	s := newTestSandbox(r)
	ctx := context.Background()

	for _, id := range []string{"", "../etc", "abc; rm -rf /"} {
		if _, err := s.Execute(ctx, id, "true"); !engine.IsFatal(err) {
			t.Errorf("Execute(%q) error = %v, want fatal", id, err)
		}
		if err := s.Destroy(ctx, id); !engine.IsFatal(err) {
			t.Errorf("Destroy(%q) error = %v, want fatal", id, err)
		}
	}
	if len(r.commands) != 0 || len(r.removed) != 0 {
		t.Errorf("remote was called: commands=%v removed=%v", r.commands, r.removed)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"plain":      "'plain'",
		"with space": "'with space'",
		"it's":       `'it'\''s'`,
		"":           "''",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}
