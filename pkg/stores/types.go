package stores

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prflow/prflow/pkg/engine"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// AuditEvent is one row of the state change audit trail.
type AuditEvent struct {
	ID         int64                `json:"id"`
	WorkflowID string               `json:"workflow_id"`
	From       engine.WorkflowState `json:"from"`
	To         engine.WorkflowState `json:"to"`
	Reason     string               `json:"reason,omitempty"`
	ErrorKind  engine.ErrorKind     `json:"error_kind,omitempty"`
	Version    int64                `json:"version"`
	OccurredAt time.Time            `json:"occurred_at"`
}

type saveAction int

const (
	saveInsert saveAction = iota
	saveUpdate
	saveNoop
)

// savePlan is what a compare-and-swap save has to write.
type savePlan struct {
	action  saveAction
	body    []byte
	version int64
}

// planSave applies the shared compare-and-swap rules to the stored record.
// A zero version inserts; otherwise the stored version must match. An update
// whose content equals the stored body is a no-op and keeps the version.
func planSave(wf *engine.Workflow, exists bool, storedVersion int64, storedBody []byte) (savePlan, error) {
	if wf == nil || wf.ID == "" {
		return savePlan{}, fmt.Errorf("%w: workflow id is required", engine.ErrInvalidInput)
	}
	if err := wf.State.Validate(); err != nil {
		return savePlan{}, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	}

	if wf.Context.Version == 0 {
		if exists {
			return savePlan{}, fmt.Errorf("%w: workflow %s already exists", engine.ErrVersionConflict, wf.ID)
		}
		body, err := encodeAt(wf, 1)
		if err != nil {
			return savePlan{}, err
		}
		return savePlan{action: saveInsert, body: body, version: 1}, nil
	}

	if !exists {
		return savePlan{}, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, wf.ID)
	}
	if storedVersion != wf.Context.Version {
		return savePlan{}, fmt.Errorf("%w: workflow %s is at version %d, write based on %d",
			engine.ErrVersionConflict, wf.ID, storedVersion, wf.Context.Version)
	}

	current, err := encodeAt(wf, wf.Context.Version)
	if err != nil {
		return savePlan{}, err
	}
	if bytes.Equal(current, storedBody) {
		return savePlan{action: saveNoop, version: storedVersion}, nil
	}

	next := storedVersion + 1
	body, err := encodeAt(wf, next)
	if err != nil {
		return savePlan{}, err
	}
	return savePlan{action: saveUpdate, body: body, version: next}, nil
}

func encodeAt(wf *engine.Workflow, version int64) ([]byte, error) {
	cp := *wf
	cp.Context.Version = version
	body, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow %s: %w", wf.ID, err)
	}
	return body, nil
}

func decodeWorkflow(body []byte) (*engine.Workflow, error) {
	var wf engine.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &wf, nil
}

func applyLimit(wfs []*engine.Workflow, limit int) []*engine.Workflow {
	if limit > 0 && len(wfs) > limit {
		return wfs[:limit]
	}
	return wfs
}
