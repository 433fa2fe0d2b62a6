package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prflow/prflow/pkg/engine"
)

type storeFactory func(t *testing.T) engine.Store

func newSQLiteForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(context.Background(), Config{Path: filepath.Join(t.TempDir(), "prflow.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisForTest(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, WithPrefix("test"))
}

func allStores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) engine.Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) engine.Store { return newSQLiteForTest(t) },
		"redis":  func(t *testing.T) engine.Store { return newRedisForTest(t) },
	}
}

func newTestWorkflow(id string, state engine.WorkflowState, created time.Time) *engine.Workflow {
	return &engine.Workflow{
		ID:             id,
		State:          state,
		CreatedAt:      created,
		UpdatedAt:      created,
		StateEnteredAt: created,
		Context: engine.WorkflowContext{
			Goal:       "add a health endpoint",
			Repository: "acme/api",
			Iteration:  1,
		},
	}
}

func TestStores_SaveAndLoad(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			wf := newTestWorkflow("wf-1", engine.StateIdle, time.Now().UTC())
			require.NoError(t, store.Save(ctx, wf))
			assert.Equal(t, int64(1), wf.Context.Version)

			loaded, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, engine.StateIdle, loaded.State)
			assert.Equal(t, "acme/api", loaded.Context.Repository)
			assert.Equal(t, int64(1), loaded.Context.Version)

			loaded.State = engine.StatePlanning
			require.NoError(t, store.Save(ctx, loaded))
			assert.Equal(t, int64(2), loaded.Context.Version)

			again, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, engine.StatePlanning, again.State)
			assert.Equal(t, int64(2), again.Context.Version)
		})
	}
}

func TestStores_LoadNotFound(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			_, err := factory(t).Load(context.Background(), "missing")
			assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
		})
	}
}

func TestStores_IdenticalSaveIsNoop(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			wf := newTestWorkflow("wf-1", engine.StateIdle, time.Now().UTC())
			require.NoError(t, store.Save(ctx, wf))

			loaded, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			require.NoError(t, store.Save(ctx, loaded))
			assert.Equal(t, int64(1), loaded.Context.Version)

			again, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), again.Context.Version)
		})
	}
}

func TestStores_VersionConflict(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, newTestWorkflow("wf-1", engine.StateIdle, time.Now().UTC())))

			a, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			b, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)

			a.State = engine.StatePlanning
			require.NoError(t, store.Save(ctx, a))

			b.State = engine.StateCancelled
			err = store.Save(ctx, b)
			assert.ErrorIs(t, err, engine.ErrVersionConflict)
			assert.Equal(t, int64(1), b.Context.Version)

			current, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, engine.StatePlanning, current.State)
		})
	}
}

func TestStores_InsertExistingConflicts(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, newTestWorkflow("wf-1", engine.StateIdle, time.Now().UTC())))
			err := store.Save(ctx, newTestWorkflow("wf-1", engine.StateIdle, time.Now().UTC()))
			assert.ErrorIs(t, err, engine.ErrVersionConflict)
		})
	}
}

func TestStores_UpdateMissingIsNotFound(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			wf := newTestWorkflow("ghost", engine.StateCoding, time.Now().UTC())
			wf.Context.Version = 3
			err := factory(t).Save(context.Background(), wf)
			assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
		})
	}
}

func TestStores_RejectsInvalidWorkflow(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			assert.ErrorIs(t, store.Save(ctx, newTestWorkflow("", engine.StateIdle, time.Now())), engine.ErrInvalidInput)
			assert.ErrorIs(t, store.Save(ctx, newTestWorkflow("wf", engine.WorkflowState("BOGUS"), time.Now())), engine.ErrInvalidInput)
		})
	}
}

func TestStores_ListFiltersAndOrders(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			states := []engine.WorkflowState{
				engine.StateCoding, engine.StateCompleted, engine.StateValidating, engine.StateCoding, engine.StateFailed,
			}
			// inserted newest first so ordering comes from creation time
			for idx := len(states) - 1; idx >= 0; idx-- {
				wf := newTestWorkflow(fmt.Sprintf("wf-%d", idx), states[idx], base.Add(time.Duration(idx)*time.Minute))
				require.NoError(t, store.Save(ctx, wf))
			}

			all, err := store.List(ctx, engine.ListFilter{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			for i, wf := range all {
				assert.Equal(t, fmt.Sprintf("wf-%d", i), wf.ID)
			}

			coding, err := store.List(ctx, engine.ListFilter{State: engine.StateCoding})
			require.NoError(t, err)
			require.Len(t, coding, 2)
			assert.Equal(t, "wf-0", coding[0].ID)
			assert.Equal(t, "wf-3", coding[1].ID)

			active, err := store.List(ctx, engine.ListFilter{NonTerminal: true})
			require.NoError(t, err)
			assert.Len(t, active, 3)

			limited, err := store.List(ctx, engine.ListFilter{Limit: 2})
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "wf-1", limited[1].ID)
		})
	}
}

func TestStores_ConcurrentWritersOneWins(t *testing.T) {
	for name, factory := range allStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, newTestWorkflow("wf-1", engine.StateIdle, time.Now().UTC())))

			const writers = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)
			copies := make([]*engine.Workflow, writers)
			for i := range copies {
				wf, err := store.Load(ctx, "wf-1")
				require.NoError(t, err)
				wf.Reason = fmt.Sprintf("writer %d", i)
				copies[i] = wf
			}
			for _, wf := range copies {
				wg.Add(1)
				go func(wf *engine.Workflow) {
					defer wg.Done()
					if err := store.Save(ctx, wf); err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
					}
				}(wf)
			}
			wg.Wait()

			assert.Equal(t, 1, successes)
			current, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), current.Context.Version)
		})
	}
}
