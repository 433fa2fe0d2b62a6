package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/prflow/prflow/pkg/criteria"
	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/policy"
	"github.com/prflow/prflow/pkg/schema"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the configuration file and everything it points at.

This command checks:
  - the YAML document and every setting against its constraints
  - that the merge policies compile (OPA/Rego)
  - that the acceptance criteria script runs and sets passed (Starlark)
  - that the response schemas of the collaborators compile (CUE)`,
		Example: `  prflow validate
  prflow validate -c /etc/prflow/prflow.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolvedConfigPath()
			log.Info().Str("config", path).Msg("Validating configuration")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			report := map[string]interface{}{"config": path}

			pol, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := pol.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
					return fmt.Errorf("merge policies: %w", err)
				}
			}
			var names []string
			for _, info := range pol.List() {
				names = append(names, info.Name)
			}
			report["policies"] = names

			script, err := cfg.Pipeline.Criteria()
			if err != nil {
				return err
			}
			if script != "" {
				passed, _, err := criteria.NewEvaluator(cfg.Pipeline.CriteriaTimeout).Accept(ctx, script, engine.CriteriaInput{
					ExitCode:  0,
					Iteration: 1,
				})
				if err != nil {
					return fmt.Errorf("acceptance criteria: %w", err)
				}
				report["criteria_passes_clean_run"] = passed
			}

			report["schemas"] = schema.NewRegistry().Names()

			if jsonOutput {
				return printJSON(os.Stdout, report)
			}
			fmt.Printf("Configuration %s is valid\n", path)
			fmt.Printf("  store:     %s\n", cfg.Store.Driver)
			fmt.Printf("  sandbox:   %s@%s\n", cfg.Sandbox.User, cfg.Sandbox.Address())
			fmt.Printf("  policies:  %v\n", names)
			if passed, ok := report["criteria_passes_clean_run"]; ok {
				fmt.Printf("  criteria:  passes a clean run: %v\n", passed)
			}
			return nil
		},
	}
}
