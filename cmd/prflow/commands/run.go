package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/telemetry"
)

const runRefreshInterval = 5 * time.Second

func newRunCommand() *cobra.Command {
	var (
		repository string
		branch     string
		adoptPR    int
		prURL      string
		untilPR    bool
	)

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Start a workflow and follow it",
		Long: `Start a workflow for a natural-language goal and drive it in this process.

The command follows the workflow until it completes, fails or is cancelled.
Once the change is coded the workflow waits for its pull request; without a
configured bus nothing can deliver the pull request events to this process,
so the command stops there and a running 'prflow serve' takes over.

With --adopt-pr the workflow is created for an existing pull request and goes
straight to validation.`,
		Example: `  # Plan, code and validate a change
  prflow run "add a /healthz endpoint" --repo https://git.example.com/acme/web.git

  # Validate a pull request that was opened by hand
  prflow run "review dependency bump" --repo https://git.example.com/acme/web.git --adopt-pr 42

  # Stop once the pull request is awaited
  prflow run "fix flaky test" --repo git@git.example.com:acme/web.git --until-pr`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := a.shutdownContext()
				defer cancel()
				if err := a.close(sctx); err != nil {
					a.logger.Warn().Err(err).Msg("Shutdown was not clean")
				}
			}()

			updates := make(chan telemetry.Event, 256)
			a.tel.Events.Subscribe(func(ev telemetry.Event) {
				select {
				case updates <- ev:
				default:
				}
			}, nil)

			if a.listener != nil {
				if err := a.listener.Start(); err != nil {
					return err
				}
			}

			repo := engine.RepoRef{Repository: repository, Branch: branch}
			var id string
			if adoptPR > 0 {
				id, err = a.engine.Adopt(ctx, args[0], repo, engine.PRRef{Number: adoptPR, URL: prURL})
			} else {
				id, err = a.engine.Start(ctx, args[0], repo)
			}
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "workflow %s started\n", id)
			}

			ctx, span := a.tel.Tracer.StartWorkflowSpan(ctx, "run", id)
			defer span.End()
			a.logger.Debug().Str("workflow_id", id).Str("trace_id", telemetry.TraceID(ctx)).Msg("Following workflow")

			wf, err := follow(ctx, a, id, updates, untilPR || a.listener == nil)
			if err != nil {
				telemetry.RecordError(span, err)
				return err
			}
			span.SetAttributes(telemetry.AttrWorkflowState.String(string(wf.State)))
			if wf.ErrorKind != "" {
				span.SetAttributes(
					telemetry.AttrErrorKind.String(string(wf.ErrorKind)),
					telemetry.AttrErrorClass.String(string(wf.ErrorKind.Class())),
				)
			}
			return printWorkflow(wf)
		},
	}

	cmd.Flags().StringVarP(&repository, "repo", "r", "", "repository to change (required)")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "base branch (default: repository default)")
	cmd.Flags().IntVar(&adoptPR, "adopt-pr", 0, "validate an existing pull request instead of generating one")
	cmd.Flags().StringVar(&prURL, "pr-url", "", "url of the adopted pull request")
	cmd.Flags().BoolVar(&untilPR, "until-pr", false, "return once the workflow waits for its pull request")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

// follow waits until workflow id is terminal, or parked in PR_CREATED when
// stopAtPR is set, reporting progress on stderr.
func follow(ctx context.Context, a *app, id string, updates <-chan telemetry.Event, stopAtPR bool) (*engine.Workflow, error) {
	ticker := time.NewTicker(runRefreshInterval)
	defer ticker.Stop()

	for {
		wf, err := a.engine.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.State.IsTerminal() || (stopAtPR && wf.State.IsParked()) {
			return wf, nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "interrupted; workflow %s stays in %s and resumes under 'prflow serve'\n", id, wf.State)
			return wf, nil
		case ev := <-updates:
			if ev.WorkflowID != id {
				continue
			}
			if ev.Stage != "" {
				trace.SpanFromContext(ctx).AddEvent(ev.Type, trace.WithAttributes(telemetry.AttrStage.String(ev.Stage)))
			}
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "  %s  %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Message)
			}
		case <-ticker.C:
		}
	}
}

func printWorkflow(wf *engine.Workflow) error {
	if jsonOutput {
		return printJSON(os.Stdout, wf)
	}
	fmt.Println(wf.Summary())
	if wf.Reason != "" {
		fmt.Printf("  reason: %s\n", wf.Reason)
	}
	for _, o := range wf.Context.ValidationResults {
		result := "ok"
		if !o.Success {
			result = "failed (" + string(o.ErrorKind) + ")"
		}
		fmt.Printf("  iteration %d  %-9s attempt %d  %s  %dms\n", o.Iteration, o.StageName, o.Attempt, result, o.DurationMs)
	}
	return nil
}
