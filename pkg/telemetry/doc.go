// Package telemetry wires structured logging, tracing, metrics and
// in-process events for prflow.
//
// Logging uses zerolog behind a small Logger wrapper; engine components
// take the raw zerolog.Logger via Logger.Zerolog. Tracing uses the
// OpenTelemetry SDK with OTLP/gRPC or stdout exporters, and the stage
// executor receives Tracer.Tracer. Metrics implements
// engine.MetricsRecorder on a private Prometheus registry. EventPublisher
// implements engine.EventSink and engine.ProgressSink and turns state
// changes and stage progress into Events for local subscribers.
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng, err := engine.NewEngine(store, executor, opts,
//	    engine.WithLogger(tel.Logger.NewComponentLogger("engine").Zerolog()),
//	    engine.WithMetrics(tel.Metrics),
//	    engine.WithEventSink(tel.Events),
//	)
package telemetry
