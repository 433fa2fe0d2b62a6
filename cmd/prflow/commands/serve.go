package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prflow/prflow/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var noRecover bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine",
		Long: `Run the workflow engine until interrupted.

On startup every non-terminal workflow in the store is recovered: its state
timer is re-armed from the stored timestamps and runnable workflows are
resumed. Source-control events are consumed from NATS when a bus url is
configured, and Prometheus metrics are served on the telemetry listen address.`,
		Example: `  # Serve with the default config
  prflow serve

  # Serve without resuming stored workflows
  prflow serve --no-recover -c /etc/prflow/prflow.yaml`,
		Args: cobra.NoArgs,
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

			a.tel.Events.Subscribe(func(ev telemetry.Event) {
				a.logger.Debug().
					Str("event", ev.Type).
					Str("workflow_id", ev.WorkflowID).
					Str("stage", ev.Stage).
					Msg(ev.Message)
			}, nil)

			if err := a.tel.Metrics.StartMetricsServer(ctx, a.logger); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				if err := a.policy.WatchPolicies(ctx, cfg.Policy.Paths); err != nil {
					return fmt.Errorf("failed to watch merge policies: %w", err)
				}
			}

			if a.listener != nil {
				if err := a.listener.Start(); err != nil {
					return err
				}
			}

			if !noRecover {
				n, err := a.engine.Recover(ctx)
				if err != nil {
					return err
				}
				a.logger.Info().Int("workflows", n).Msg("Recovered workflows")
			}

			a.logger.Info().
				Str("store", cfg.Store.Driver).
				Bool("bus", cfg.Bus.Enabled()).
				Int("max_active_workflows", cfg.Engine.MaxActiveWorkflows).
				Msg("Engine running")

			<-ctx.Done()
			a.logger.Info().Msg("Shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRecover, "no-recover", false, "do not resume stored workflows")

	return cmd
}
