package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prflow/prflow/pkg/telemetry"
)

func newCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a workflow",
		Long: `Cancel a workflow that has not finished yet.

Cancelling an already cancelled workflow does nothing. A stage that is still
running in another process has its result discarded.`,
		Example: `  prflow cancel 6f1c2d9e-3b7a-4f0e-9a51-2c8d7e6b1a40 --reason "goal withdrawn"`,
		Args:    cobra.ExactArgs(1),
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
				_ = a.close(sctx)
			}()

			ctx, span := a.tel.Tracer.StartWorkflowSpan(ctx, "cancel", args[0])
			defer span.End()
			if err := a.engine.Cancel(ctx, args[0], reason); err != nil {
				telemetry.RecordError(span, err)
				return err
			}
			wf, err := a.engine.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("workflow %s cancelled\n", wf.ID)
				return nil
			}
			return printWorkflow(wf)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "reason recorded with the cancellation")

	return cmd
}
