package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/prflow/prflow/pkg/stores"
)

const configTemplate = `# prflow configuration

engine:
  max_active_workflows: 50
  max_iterations: 3
  state_timeout: 30m
  stage_timeout: 30m
  early_events: reject        # reject | buffer
  retry:
    max_retries: 3
    base_delay: 1s
    max_delay: 5m

store:
  driver: sqlite              # memory | sqlite | redis
  sqlite:
    path: %[1]s
  redis:
    addr: localhost:6379
    prefix: prflow

codegen:
  base_url: https://codegen.example.com
  # token: set PRFLOW_CODEGEN_TOKEN

evaluator:
  base_url: https://evaluator.example.com
  # token: set PRFLOW_EVALUATOR_TOKEN

sandbox:
  host: sandbox.example.com
  user: prflow
  auth_method: key
  private_key_path: %[2]s
  base_dir: /var/tmp/prflow

pipeline:
  poll_interval: 10s
  deploy_command: ""
  test_command: make test
  criteria_script: |
    passed = exit_code == 0
  eval_criteria: The change implements the goal and is covered by tests.

policy:
  paths: []
  watch: true

bus:
  url: ""                     # nats://localhost:4222 enables events
  subject_prefix: prflow

telemetry:
  logging:
    level: info
    format: console
  metrics:
    enabled: true
    listen_address: ":9090"
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a prflow workspace",
		Long: `Initialize a workspace with a configuration file, a data directory with the
SQLite database and an SSH key for the sandbox host.

The public key is printed; add it to the sandbox user's authorized_keys.`,
		Example: `  # Initialize in the current directory
  prflow init

  # Initialize with a custom config path
  prflow init --config /etc/prflow/prflow.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolvedConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			dataDir := filepath.Join(filepath.Dir(path), "data")
			log.Info().Str("config", path).Str("data_dir", dataDir).Msg("Initializing workspace")

			for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}

			dbPath := filepath.Join(dataDir, "prflow.db")
			store, err := stores.OpenSQLiteStore(cmd.Context(), stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			keyPath := filepath.Join(dataDir, "keys", "sandbox_ed25519")
			pub, err := ensureKey(keyPath)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Sandbox key: %s\n", keyPath)

			if err := os.WriteFile(path, []byte(fmt.Sprintf(configTemplate, dbPath, keyPath)), 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n\n", path)

			fmt.Println("Authorize this key for the sandbox user:")
			fmt.Printf("  %s", pub)
			fmt.Println("\nThen edit the service endpoints and run 'prflow validate'.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// ensureKey creates an ed25519 key at path unless one exists and returns the
// public key in authorized_keys format.
func ensureKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, err := sshpkg.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("existing key %s is unusable: %w", path, err)
		}
		return sshpkg.MarshalAuthorizedKey(signer.PublicKey()), nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(privKey, "prflow sandbox")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	sshPub, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return nil, err
	}
	pub := sshpkg.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(path+".pub", pub, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	return pub, nil
}
