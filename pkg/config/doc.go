// Package config loads the prflow configuration file.
//
// # Overview
//
// The configuration is a single YAML document with one section per
// subsystem:
//
//	engine:     workflow limits, timeouts and retry policies
//	store:      persistence driver (memory, sqlite or redis)
//	codegen:    code-generation service endpoint
//	evaluator:  AI-evaluation service endpoint
//	sandbox:    SSH host that hosts validation snapshots
//	pipeline:   commands and acceptance criteria of the validation stages
//	policy:     merge policy files
//	bus:        NATS connection for events
//	telemetry:  logging, tracing, metrics and event publishing
//
// Load starts from Default, overlays the file, applies environment overrides
// for secrets and validates the result with struct tags:
//
//	cfg, err := config.Load("prflow.yaml")
//	if err != nil {
//	    return err
//	}
//	eng, err := engine.NewEngine(store, executor, cfg.EngineOptions())
//
// Unknown keys are rejected so that typos surface at startup.
//
// # Environment
//
// Secrets are usually kept out of the file:
//
//	PRFLOW_CODEGEN_TOKEN     codegen.token
//	PRFLOW_EVALUATOR_TOKEN   evaluator.token
//	PRFLOW_SSH_PASSWORD      sandbox.password
//	PRFLOW_REDIS_PASSWORD    store.redis.password
package config
