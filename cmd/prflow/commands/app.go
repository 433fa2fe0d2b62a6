package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prflow/prflow/pkg/bus"
	"github.com/prflow/prflow/pkg/clients"
	"github.com/prflow/prflow/pkg/clients/codegen"
	"github.com/prflow/prflow/pkg/clients/evaluator"
	"github.com/prflow/prflow/pkg/config"
	"github.com/prflow/prflow/pkg/criteria"
	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/policy"
	"github.com/prflow/prflow/pkg/schema"
	"github.com/prflow/prflow/pkg/stores"
	"github.com/prflow/prflow/pkg/telemetry"
	"github.com/prflow/prflow/pkg/transports/ssh"
)

// storeHandle is an opened workflow store.
type storeHandle struct {
	engine.Store
	sqlite *stores.SQLiteStore
	close  func() error
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*storeHandle, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &storeHandle{Store: stores.NewMemoryStore(), close: func() error { return nil }}, nil

	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := stores.OpenSQLiteStore(ctx, cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return &storeHandle{Store: s, sqlite: s, close: s.Close}, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		var opts []stores.RedisOption
		if cfg.Redis.Prefix != "" {
			opts = append(opts, stores.WithPrefix(cfg.Redis.Prefix))
		}
		if cfg.Redis.TerminalTTL > 0 {
			opts = append(opts, stores.WithTTL(cfg.Redis.TerminalTTL))
		}
		return &storeHandle{Store: stores.NewRedisStore(client, opts...), close: client.Close}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

// app is a fully wired engine with its collaborators.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *storeHandle
	policy   *policy.Engine
	sandbox  *ssh.Client
	nc       *nats.Conn
	listener *bus.Listener
	engine   *engine.Engine
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	schemas := schema.NewRegistry()
	clientOpts := []clients.Option{
		clients.WithTracerProvider(tel.Tracer.Provider()),
		clients.WithSchemas(schemas),
	}
	generator, err := codegen.New(cfg.Codegen, clientOpts...)
	if err != nil {
		return nil, err
	}
	judge, err := evaluator.New(cfg.Evaluator, clientOpts...)
	if err != nil {
		return nil, err
	}

	sandboxCfg := cfg.Sandbox
	if a.sandbox, err = ssh.NewClient(&sandboxCfg, a.logger); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	sandbox := ssh.NewSandbox(a.sandbox, a.logger)

	if a.policy, err = policy.NewEngine(a.logger); err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err = a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load merge policies: %w", err)
		}
	}

	script, err := cfg.Pipeline.Criteria()
	if err != nil {
		return nil, err
	}

	executor, err := engine.NewPipelineStageExecutor([]engine.Stage{
		&engine.PlanStage{Generator: generator, PollInterval: cfg.Pipeline.PollInterval},
		&engine.CodeStage{Generator: generator, PollInterval: cfg.Pipeline.PollInterval},
		&engine.DeployStage{Sandbox: sandbox, Command: cfg.Pipeline.DeployCommand},
		&engine.ValidateStage{
			Sandbox:  sandbox,
			Command:  cfg.Pipeline.TestCommand,
			Criteria: criteria.NewEvaluator(cfg.Pipeline.CriteriaTimeout),
			Script:   script,
		},
		&engine.EvalStage{
			Sandbox:      sandbox,
			Evaluator:    judge,
			Criteria:     cfg.Pipeline.EvalCriteria,
			SetupCommand: cfg.Pipeline.EvalSetupCommand,
		},
		&engine.FinalizeStage{Policy: a.policy, Merger: generator},
	}, engine.WithStageTimeout(cfg.Engine.StageTimeout), engine.WithTracer(tel.Tracer.Tracer()))
	if err != nil {
		return nil, err
	}

	sinks := engine.MultiSink{tel.Events}
	if a.store.sqlite != nil {
		sinks = append(sinks, stores.NewAuditSink(a.store.sqlite, a.logger))
	}
	if cfg.Bus.Enabled() {
		if a.nc, err = bus.Connect(cfg.Bus.URL, cfg.Bus.Name, cfg.Bus.ReconnectWait, a.logger); err != nil {
			return nil, err
		}
		sinks = append(sinks, bus.NewPublisher(a.nc, cfg.Bus.SubjectPrefix, a.logger))
	}

	a.engine, err = engine.NewEngine(a.store, executor, cfg.EngineOptions(),
		engine.WithLogger(a.logger),
		engine.WithEventSink(sinks),
		engine.WithMetrics(tel.Metrics),
	)
	if err != nil {
		return nil, err
	}

	if a.nc != nil {
		a.listener = bus.NewListener(a.nc, cfg.Bus.SubjectPrefix, a.engine, a.logger)
	}
	return a, nil
}

// close releases everything in reverse order of construction.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.listener != nil {
		errs = append(errs, a.listener.Stop())
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown(ctx))
	}
	if a.nc != nil {
		errs = append(errs, a.nc.Drain())
	}
	if a.sandbox != nil {
		errs = append(errs, a.sandbox.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.close())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// shutdownContext bounds cleanup after the command context is cancelled.
func (a *app) shutdownContext() (context.Context, context.CancelFunc) {
	if a.cfg.Engine.ShutdownTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownTimeout)
}
