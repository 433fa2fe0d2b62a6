package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultStageTimeout is the hard limit for a single stage attempt.
const DefaultStageTimeout = 30 * time.Minute

// PipelineStageExecutor runs one stage attempt and reduces it to a StageOutcome.
// The stage set is fixed at construction.
type PipelineStageExecutor struct {
	stages  map[StageName]Stage
	timeout time.Duration
	tracer  trace.Tracer
	now     func() time.Time
}

// ExecutorOption configures a PipelineStageExecutor.
type ExecutorOption func(*PipelineStageExecutor)

// WithStageTimeout sets the per-attempt timeout.
func WithStageTimeout(d time.Duration) ExecutorOption {
	return func(x *PipelineStageExecutor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(x *PipelineStageExecutor) {
		if t != nil {
			x.tracer = t
		}
	}
}

// NewPipelineStageExecutor registers stages. Registering two stages with the same name is an error.
func NewPipelineStageExecutor(stages []Stage, opts ...ExecutorOption) (*PipelineStageExecutor, error) {
	x := &PipelineStageExecutor{
		stages:  make(map[StageName]Stage, len(stages)),
		timeout: DefaultStageTimeout,
		tracer:  noop.NewTracerProvider().Tracer("prflow/engine"),
		now:     time.Now,
	}
	for _, s := range stages {
		if s == nil {
			return nil, invalidInput("nil stage")
		}
		if _, dup := x.stages[s.Name()]; dup {
			return nil, invalidInput("stage %q registered twice", s.Name())
		}
		x.stages[s.Name()] = s
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Has reports whether a stage is registered under name.
func (x *PipelineStageExecutor) Has(name StageName) bool {
	_, ok := x.stages[name]
	return ok
}

// Execute runs one attempt of the named stage. Expected external failures are
// reported through the outcome; the returned error is non-nil only for fatal
// contract errors such as an unregistered stage or an unusable context.
func (x *PipelineStageExecutor) Execute(ctx context.Context, name StageName, in StageInput) (StageOutcome, StageReport, error) {
	start := x.now()
	stage, ok := x.stages[name]
	if !ok {
		err := NewFatalError(ErrorKindStageNotRegistered, "stage is not registered", nil).
			WithStage(name).WithWorkflow(in.WorkflowID)
		return x.outcome(name, in, start, StageReport{}, ErrorKindStageNotRegistered, err), StageReport{}, err
	}

	ctx, span := x.tracer.Start(ctx, "stage."+string(name), trace.WithAttributes(
		attribute.String("workflow.id", in.WorkflowID),
		attribute.String("workflow.state", string(in.State)),
		attribute.String("stage.name", string(name)),
		attribute.Int("stage.attempt", in.Attempt),
		attribute.Int("workflow.iteration", in.Context.Iteration),
	))
	defer span.End()

	stageCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	report, err := runStage(stageCtx, stage, in)
	if report.Diagnostics == nil {
		report.Diagnostics = make(map[string]interface{})
	}
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return x.outcome(name, in, start, report, "", nil), report, nil
	}

	kind := classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", string(kind)))

	outcome := x.outcome(name, in, start, report, kind, err)
	if kind.Class() == ErrorClassFatal {
		var ee *EngineError
		if errors.As(err, &ee) && ee.Stage == "" {
			ee.WithStage(name).WithWorkflow(in.WorkflowID)
		}
		return outcome, report, err
	}
	return outcome, report, nil
}

func (x *PipelineStageExecutor) outcome(
	name StageName,
	in StageInput,
	start time.Time,
	report StageReport,
	kind ErrorKind,
	err error,
) StageOutcome {
	diag := make(map[string]interface{}, len(report.Diagnostics)+1)
	for k, v := range report.Diagnostics {
		diag[k] = v
	}
	if err != nil {
		diag["error"] = err.Error()
	}
	end := x.now()
	return StageOutcome{
		StageName:   name,
		Success:     err == nil,
		ErrorKind:   kind,
		Diagnostics: diag,
		DurationMs:  end.Sub(start).Milliseconds(),
		Attempt:     in.Attempt,
		Iteration:   in.Context.Iteration,
		FinishedAt:  end.UTC(),
	}
}

func runStage(ctx context.Context, stage Stage, in StageInput) (report StageReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewFatalError(ErrorKindContextCorrupted, fmt.Sprintf("stage panicked: %v", r), nil)
		}
	}()
	return stage.Run(ctx, in)
}

// classify maps an error returned by a stage to an ErrorKind.
func classify(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Kind != "" {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindNetworkTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorKindNetworkTimeout
	}
	return ErrorKindUnknown
}
