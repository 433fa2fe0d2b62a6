package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prflow/prflow/pkg/engine"
)

// AuditSink records every state change in the workflow_events table.
// It implements engine.EventSink.
type AuditSink struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewAuditSink creates an audit sink on a migrated SQLite store.
func NewAuditSink(store *SQLiteStore, logger zerolog.Logger) *AuditSink {
	return &AuditSink{db: store.DB(), logger: logger}
}

// OnStateChange appends the change. Failures are logged, never returned.
func (a *AuditSink) OnStateChange(ctx context.Context, change engine.StateChange) {
	ts := change.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO workflow_events (workflow_id, from_state, to_state, reason, error_kind, version, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.WorkflowID, string(change.From), string(change.To), change.Reason,
		string(change.ErrorKind), change.Context.Version, ts.UnixNano())
	if err != nil {
		a.logger.Error().Err(err).
			Str("workflow_id", change.WorkflowID).
			Str("to", string(change.To)).
			Msg("Failed to record state change")
	}
}

// Events returns the recorded changes for a workflow in order.
func (a *AuditSink) Events(ctx context.Context, workflowID string) ([]AuditEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, workflow_id, from_state, to_state, reason, error_kind, version, occurred_at
		FROM workflow_events WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev         AuditEvent
			from, to   string
			kind       string
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &from, &to, &ev.Reason, &kind, &ev.Version, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.From = engine.WorkflowState(from)
		ev.To = engine.WorkflowState(to)
		ev.ErrorKind = engine.ErrorKind(kind)
		ev.OccurredAt = time.Unix(0, occurredAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
