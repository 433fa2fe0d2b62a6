package ssh

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prflow/prflow/pkg/engine"
)

const (
	workspaceDir     = "workspace"
	snapshotManifest = "snapshot.json"
	cleanupTimeout   = time.Minute
	maxErrorOutput   = 2048
)

// remote is the part of Client the sandbox needs.
type remote interface {
	Run(ctx context.Context, cmd string) (engine.ExecResult, error)
	MkdirAll(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	RemoveAll(ctx context.Context, dir string) error
}

// Manifest is written next to every snapshot's workspace.
type Manifest struct {
	SnapshotID string    `json:"snapshot_id"`
	WorkflowID string    `json:"workflow_id"`
	Repository string    `json:"repository"`
	Branch     string    `json:"branch,omitempty"`
	PRNumber   int       `json:"pr_number,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sandbox implements engine.Sandbox on a remote host. A snapshot is a fresh
// directory holding a clone of the change under test.
type Sandbox struct {
	remote     remote
	baseDir    string
	cloneDepth int
	logger     zerolog.Logger
	now        func() time.Time
}

// NewSandbox creates a sandbox backed by client.
func NewSandbox(client *Client, logger zerolog.Logger) *Sandbox {
	return newSandbox(client, client.config, logger)
}

func newSandbox(r remote, cfg *Config, logger zerolog.Logger) *Sandbox {
	return &Sandbox{
		remote:     r,
		baseDir:    path.Clean(cfg.BaseDir),
		cloneDepth: cfg.CloneDepth,
		logger:     logger.With().Str("component", "ssh-sandbox").Logger(),
		now:        time.Now,
	}
}

// CreateSnapshot clones the repository into a new snapshot directory. When a
// pull request number is given the pull request head is checked out.
func (s *Sandbox) CreateSnapshot(ctx context.Context, cfg engine.SnapshotConfig) (string, error) {
	if strings.TrimSpace(cfg.Repository) == "" {
		return "", engine.NewFatalError(engine.ErrorKindContextCorrupted, "snapshot requires a repository", nil)
	}

	id := uuid.New().String()
	dir := s.dir(id)
	logger := s.logger.With().Str("snapshot_id", id).Str("workflow_id", cfg.WorkflowID).Logger()

	if err := s.remote.MkdirAll(ctx, dir); err != nil {
		return "", classify("mkdir", err)
	}

	if err := s.populate(ctx, dir, id, cfg); err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if derr := s.remote.RemoveAll(cctx, dir); derr != nil {
			logger.Warn().Err(derr).Msg("Failed to remove partial snapshot")
		}
		return "", err
	}

	logger.Info().Str("repository", cfg.Repository).Int("pr_number", cfg.PRNumber).Msg("Snapshot created")
	return id, nil
}

func (s *Sandbox) populate(ctx context.Context, dir, id string, cfg engine.SnapshotConfig) error {
	ws := path.Join(dir, workspaceDir)
	if err := s.runChecked(ctx, "clone", cloneCommand(cfg, ws, s.cloneDepth)); err != nil {
		return err
	}
	if cfg.PRNumber > 0 {
		if err := s.runChecked(ctx, "checkout", checkoutPRCommand(ws, cfg.PRNumber, s.cloneDepth)); err != nil {
			return err
		}
	}

	manifest, err := json.MarshalIndent(Manifest{
		SnapshotID: id,
		WorkflowID: cfg.WorkflowID,
		Repository: cfg.Repository,
		Branch:     cfg.Branch,
		PRNumber:   cfg.PRNumber,
		CreatedAt:  s.now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.remote.WriteFile(ctx, path.Join(dir, snapshotManifest), manifest, 0o644); err != nil {
		return classify("upload", err)
	}
	return nil
}

func (s *Sandbox) runChecked(ctx context.Context, op, cmd string) error {
	res, err := s.remote.Run(ctx, cmd)
	if err != nil {
		return classify(op, err)
	}
	if res.ExitCode != 0 {
		return engine.NewTransientError(engine.ErrorKindNonZeroExit,
			fmt.Sprintf("sandbox %s exited with code %d", op, res.ExitCode), nil).
			WithDetail("stderr", tailString(res.Stderr, maxErrorOutput))
	}
	return nil
}

// Execute runs command inside the snapshot's workspace.
func (s *Sandbox) Execute(ctx context.Context, snapshotID, command string) (engine.ExecResult, error) {
	if err := validateID(snapshotID); err != nil {
		return engine.ExecResult{}, err
	}
	ws := path.Join(s.dir(snapshotID), workspaceDir)
	res, err := s.remote.Run(ctx, "cd "+shellQuote(ws)+" && "+command)
	if err != nil {
		return res, classify("exec", err)
	}
	return res, nil
}

// Destroy removes the snapshot directory. Destroying an unknown snapshot succeeds.
func (s *Sandbox) Destroy(ctx context.Context, snapshotID string) error {
	if err := validateID(snapshotID); err != nil {
		return err
	}
	if err := s.remote.RemoveAll(ctx, s.dir(snapshotID)); err != nil {
		return classify("destroy", err)
	}
	s.logger.Debug().Str("snapshot_id", snapshotID).Msg("Snapshot destroyed")
	return nil
}

func (s *Sandbox) dir(id string) string {
	return path.Join(s.baseDir, id)
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return engine.NewFatalError(engine.ErrorKindContextCorrupted,
			fmt.Sprintf("invalid snapshot id %q", id), err)
	}
	return nil
}

func cloneCommand(cfg engine.SnapshotConfig, dest string, depth int) string {
	args := []string{"git", "clone", "--quiet"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	if cfg.Branch != "" {
		args = append(args, "--branch", shellQuote(cfg.Branch))
	}
	args = append(args, "--", shellQuote(cfg.Repository), shellQuote(dest))
	return strings.Join(args, " ")
}

func checkoutPRCommand(ws string, pr, depth int) string {
	fetch := "git fetch --quiet"
	if depth > 0 {
		fetch += " --depth " + strconv.Itoa(depth)
	}
	return fmt.Sprintf("cd %s && %s origin pull/%d/head && git checkout --quiet --detach FETCH_HEAD",
		shellQuote(ws), fetch, pr)
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ engine.Sandbox = (*Sandbox)(nil)
