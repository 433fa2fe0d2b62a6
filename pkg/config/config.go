package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/prflow/prflow/pkg/clients"
	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/stores"
	"github.com/prflow/prflow/pkg/telemetry"
	"github.com/prflow/prflow/pkg/transports/ssh"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Environment variables that override secrets from the file.
const (
	EnvCodegenToken   = "PRFLOW_CODEGEN_TOKEN"
	EnvEvaluatorToken = "PRFLOW_EVALUATOR_TOKEN"
	EnvSSHPassword    = "PRFLOW_SSH_PASSWORD"
	EnvRedisPassword  = "PRFLOW_REDIS_PASSWORD"
)

// Config is the root of the configuration file.
type Config struct {
	Engine    EngineConfig      `yaml:"engine"`
	Store     StoreConfig       `yaml:"store"`
	Codegen   clients.Config    `yaml:"codegen"`
	Evaluator clients.Config    `yaml:"evaluator"`
	Sandbox   ssh.Config        `yaml:"sandbox"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Policy    PolicyConfig      `yaml:"policy"`
	Bus       BusConfig         `yaml:"bus"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	MaxActiveWorkflows int                                     `yaml:"max_active_workflows" validate:"gte=1"`
	MaxIterations      int                                     `yaml:"max_iterations" validate:"gte=1"`
	StateTimeout       time.Duration                           `yaml:"state_timeout" validate:"gt=0"`
	StageTimeout       time.Duration                           `yaml:"stage_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration                           `yaml:"shutdown_timeout" validate:"gte=0"`
	EarlyEvents        engine.EarlyEventPolicy                 `yaml:"early_events" validate:"oneof=reject buffer"`
	Retry              engine.RetryPolicy                      `yaml:"retry"`
	StageRetry         map[engine.StageName]engine.RetryPolicy `yaml:"stage_retry" validate:"dive"`
}

// StoreConfig selects and configures the workflow store.
type StoreConfig struct {
	Driver string        `yaml:"driver" validate:"oneof=memory sqlite redis"`
	SQLite stores.Config `yaml:"sqlite"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`

	// TerminalTTL expires finished workflows; zero keeps them forever.
	TerminalTTL time.Duration `yaml:"terminal_ttl" validate:"gte=0"`
}

// PipelineConfig configures the stages run while validating a pull request.
type PipelineConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// DeployCommand runs before the tests; empty skips deployment.
	DeployCommand string `yaml:"deploy_command"`
	TestCommand   string `yaml:"test_command" validate:"required"`

	// CriteriaScript is a Starlark acceptance script, inline or read from
	// CriteriaFile.
	CriteriaScript  string        `yaml:"criteria_script"`
	CriteriaFile    string        `yaml:"criteria_file" validate:"excluded_with=CriteriaScript"`
	CriteriaTimeout time.Duration `yaml:"criteria_timeout" validate:"gt=0"`

	EvalCriteria     string `yaml:"eval_criteria"`
	EvalSetupCommand string `yaml:"eval_setup_command"`
}

// PolicyConfig configures the merge policy engine.
type PolicyConfig struct {
	Paths []string `yaml:"paths" validate:"dive,required"`
	Watch bool     `yaml:"watch"`
}

// BusConfig configures the NATS connection. An empty URL disables the bus.
type BusConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string        `yaml:"subject_prefix" validate:"required"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" validate:"gte=0"`
}

// Enabled reports whether a NATS URL is configured.
func (b BusConfig) Enabled() bool { return b.URL != "" }

// Default returns the configuration used for every key the file leaves out.
func Default() *Config {
	sandbox := ssh.DefaultConfig("", "")
	return &Config{
		Engine: EngineConfig{
			MaxActiveWorkflows: engine.DefaultMaxActiveWorkflows,
			MaxIterations:      engine.DefaultMaxIterations,
			StateTimeout:       engine.DefaultStateTimeout,
			StageTimeout:       engine.DefaultStageTimeout,
			ShutdownTimeout:    30 * time.Second,
			EarlyEvents:        engine.EarlyEventReject,
			Retry:              engine.DefaultRetryPolicy(),
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			SQLite: stores.Config{Path: "./data/prflow.db"},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "prflow",
			},
		},
		Codegen:   clients.Config{Timeout: 30 * time.Second},
		Evaluator: clients.Config{Timeout: 5 * time.Minute},
		Sandbox:   *sandbox,
		Pipeline: PipelineConfig{
			PollInterval:    10 * time.Second,
			TestCommand:     "make test",
			CriteriaTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			SubjectPrefix: "prflow",
			Name:          "prflow",
			ReconnectWait: 2 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over Default, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default, applies environment overrides
// and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets with the environment variables lookup reports.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvCodegenToken); ok {
		c.Codegen.Token = v
	}
	if v, ok := lookup(EnvEvaluatorToken); ok {
		c.Evaluator.Token = v
	}
	if v, ok := lookup(EnvSSHPassword); ok {
		c.Sandbox.Password = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		c.Store.Redis.Password = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldErrors(verrs)
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Sandbox.Host == "" {
		errs = append(errs, errors.New("sandbox.host is required"))
	}
	if c.Sandbox.User == "" {
		errs = append(errs, errors.New("sandbox.user is required"))
	}
	for stage := range c.Engine.StageRetry {
		if !knownStage(stage) {
			errs = append(errs, fmt.Errorf("engine.stage_retry: unknown stage %q", stage))
		}
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required"))
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

func knownStage(name engine.StageName) bool {
	for _, state := range []engine.WorkflowState{engine.StatePlanning, engine.StateCoding, engine.StateValidating} {
		for _, s := range engine.StagesFor(state) {
			if s == name {
				return true
			}
		}
	}
	return false
}

// fieldErrors turns validator errors into one message per field.
func fieldErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (%s)", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// EngineOptions converts the engine section to engine.Options.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.Options{
		MaxActiveWorkflows: c.Engine.MaxActiveWorkflows,
		MaxIterations:      c.Engine.MaxIterations,
		StateTimeout:       c.Engine.StateTimeout,
		EarlyEvents:        c.Engine.EarlyEvents,
		Retry:              c.Engine.Retry,
	}
	if len(c.Engine.StageRetry) > 0 {
		opts.StageRetry = make(map[engine.StageName]engine.RetryPolicy, len(c.Engine.StageRetry))
		for k, v := range c.Engine.StageRetry {
			opts.StageRetry[k] = v
		}
	}
	return opts
}

// Criteria returns the acceptance script, reading CriteriaFile when set.
func (p PipelineConfig) Criteria() (string, error) {
	if p.CriteriaFile == "" {
		return p.CriteriaScript, nil
	}
	data, err := os.ReadFile(p.CriteriaFile)
	if err != nil {
		return "", fmt.Errorf("failed to read criteria file: %w", err)
	}
	return string(data), nil
}
