package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show one workflow",
		Example: `  prflow status 6f1c2d9e-3b7a-4f0e-9a51-2c8d7e6b1a40
  prflow status 6f1c2d9e-3b7a-4f0e-9a51-2c8d7e6b1a40 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.close()

			wf, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printWorkflow(wf)
		},
	}
}

func newListCommand() *cobra.Command {
	var (
		state  string
		active bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Example: `  # Workflows still in progress
  prflow list --active

  # The last ten failures
  prflow list --state FAILED --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.ListFilter{NonTerminal: active, Limit: limit}
			if state != "" {
				s, err := engine.ParseState(strings.ToUpper(state))
				if err != nil {
					return err
				}
				filter.State = s
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.close()

			wfs, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, wfs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tITERATION\tPR\tUPDATED\tGOAL")
			for _, wf := range wfs {
				pr := "-"
				if wf.Context.PRNumber > 0 {
					pr = fmt.Sprintf("#%d", wf.Context.PRNumber)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					wf.ID, wf.State, wf.Context.Iteration, pr,
					wf.UpdatedAt.Local().Format(time.DateTime), truncate(wf.Context.Goal, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only workflows in this state")
	cmd.Flags().BoolVar(&active, "active", false, "only workflows that are not finished")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of workflows")

	return cmd
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Show the recorded state changes of a workflow",
		Long: `Show the audit trail of a workflow. The trail is kept by the sqlite store only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.close()

			if store.sqlite == nil {
				return fmt.Errorf("history requires the sqlite store, configured driver is %s", cfg.Store.Driver)
			}
			events, err := stores.NewAuditSink(store.sqlite, zerolog.Nop()).Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tVERSION\tREASON")
			for _, ev := range events {
				reason := ev.Reason
				if ev.ErrorKind != "" {
					reason = fmt.Sprintf("%s [%s]", reason, ev.ErrorKind)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					ev.OccurredAt.Local().Format(time.DateTime), ev.From, ev.To, ev.Version, reason)
			}
			return w.Flush()
		},
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
