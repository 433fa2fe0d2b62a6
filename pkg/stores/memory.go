package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prflow/prflow/pkg/engine"
)

type memoryRecord struct {
	version int64
	body    []byte
}

// MemoryStore keeps workflows in process memory. It is used for tests and
// for single-shot CLI runs that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// Load returns a copy of the stored workflow.
func (s *MemoryStore) Load(_ context.Context, id string) (*engine.Workflow, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, id)
	}
	return decodeWorkflow(rec.body)
}

// Save persists wf with compare-and-swap on its version.
func (s *MemoryStore) Save(_ context.Context, wf *engine.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec memoryRecord
	var exists bool
	if wf != nil {
		rec, exists = s.records[wf.ID]
	}
	plan, err := planSave(wf, exists, rec.version, rec.body)
	if err != nil {
		return err
	}
	if plan.action == saveNoop {
		return nil
	}

	s.records[wf.ID] = memoryRecord{version: plan.version, body: plan.body}
	wf.Context.Version = plan.version
	return nil
}

// List returns matching workflows ordered by creation time.
func (s *MemoryStore) List(_ context.Context, filter engine.ListFilter) ([]*engine.Workflow, error) {
	s.mu.RLock()
	bodies := make([][]byte, 0, len(s.records))
	for _, rec := range s.records {
		bodies = append(bodies, rec.body)
	}
	s.mu.RUnlock()

	out := make([]*engine.Workflow, 0, len(bodies))
	for _, body := range bodies {
		wf, err := decodeWorkflow(body)
		if err != nil {
			return nil, err
		}
		if filter.Match(wf) {
			out = append(out, wf)
		}
	}
	sortByCreation(out)
	return applyLimit(out, filter.Limit), nil
}

func sortByCreation(wfs []*engine.Workflow) {
	sort.SliceStable(wfs, func(i, j int) bool {
		if wfs[i].CreatedAt.Equal(wfs[j].CreatedAt) {
			return wfs[i].ID < wfs[j].ID
		}
		return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
	})
}
