package engine

import "context"

// MultiSink fans state changes and progress out to several sinks in order.
// Nil entries are skipped.
type MultiSink []EventSink

// OnStateChange forwards change to every sink.
func (m MultiSink) OnStateChange(ctx context.Context, change StateChange) {
	for _, s := range m {
		if s != nil {
			s.OnStateChange(ctx, change)
		}
	}
}

// OnProgress forwards progress to the sinks that implement ProgressSink.
func (m MultiSink) OnProgress(ctx context.Context, progress Progress) {
	for _, s := range m {
		if ps, ok := s.(ProgressSink); ok {
			ps.OnProgress(ctx, progress)
		}
	}
}
