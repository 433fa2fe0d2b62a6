package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/prflow/prflow/pkg/bus"
	"github.com/prflow/prflow/pkg/engine"
)

func newNotifyCommand() *cobra.Command {
	var (
		prNumber int
		prURL    string
		branch   string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "notify <workflow-id> <pr_opened|pr_merged|pr_closed>",
		Short: "Deliver a pull request event to the engine",
		Long: `Send a source-control event over NATS to the serving engine and wait for its verdict.

This is what a webhook relay does for every pull request event; the command is
handy for relaying by hand and for testing.`,
		Example: `  prflow notify 6f1c2d9e-3b7a-4f0e-9a51-2c8d7e6b1a40 pr_opened --pr 42 --pr-url https://git.example.com/acme/web/pull/42
  prflow notify 6f1c2d9e-3b7a-4f0e-9a51-2c8d7e6b1a40 pr_closed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType := engine.EventType(args[1])
			if err := eventType.Validate(); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Bus.Enabled() {
				return fmt.Errorf("notify needs bus.url to reach the engine")
			}

			nc, err := bus.Connect(cfg.Bus.URL, cfg.Bus.Name+"-notify", cfg.Bus.ReconnectWait, log.Logger)
			if err != nil {
				return err
			}
			defer nc.Close()

			payload := map[string]interface{}{}
			if prNumber > 0 {
				payload["number"] = prNumber
			}
			if prURL != "" {
				payload["url"] = prURL
			}
			if branch != "" {
				payload["branch"] = branch
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			err = bus.Send(ctx, nc, cfg.Bus.SubjectPrefix, bus.SCMEvent{
				WorkflowID: args[0],
				Type:       string(eventType),
				Payload:    payload,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s delivered to workflow %s\n", eventType, args[0])
			return nil
		},
	}

	cmd.Flags().IntVar(&prNumber, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&prURL, "pr-url", "", "pull request url")
	cmd.Flags().StringVar(&branch, "branch", "", "head branch of the pull request")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the engine")

	return cmd
}
