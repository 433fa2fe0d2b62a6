package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prflow/prflow/pkg/engine"
)

const defaultRedisPrefix = "prflow"

// RedisStore keeps workflows in Redis hashes. Writes use WATCH/MULTI so the
// compare-and-swap holds across processes sharing the same server.
//
// Keys:
//
//	<prefix>:workflow:<id>   hash with version, state and body
//	<prefix>:workflows       sorted set of ids scored by creation time
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "prflow".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires terminal workflows after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a Redis-backed workflow store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) workflowKey(id string) string {
	return s.prefix + ":workflow:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":workflows"
}

// Load returns the workflow with the given ID.
func (s *RedisStore) Load(ctx context.Context, id string) (*engine.Workflow, error) {
	body, err := s.client.HGet(ctx, s.workflowKey(id), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return decodeWorkflow(body)
}

// Save persists wf with compare-and-swap on its version.
func (s *RedisStore) Save(ctx context.Context, wf *engine.Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: workflow is nil", engine.ErrInvalidInput)
	}
	key := s.workflowKey(wf.ID)

	var plan savePlan
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "version", "body").Result()
		if err != nil {
			return fmt.Errorf("redis get failed: %w", err)
		}
		exists := vals[0] != nil
		var (
			storedVersion int64
			storedBody    []byte
		)
		if exists {
			if _, err := fmt.Sscan(fmt.Sprint(vals[0]), &storedVersion); err != nil {
				return fmt.Errorf("corrupt version for workflow %s: %w", wf.ID, err)
			}
			if b, ok := vals[1].(string); ok {
				storedBody = []byte(b)
			}
		}

		plan, err = planSave(wf, exists, storedVersion, storedBody)
		if err != nil || plan.action == saveNoop {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "version", plan.version, "state", string(wf.State), "body", plan.body)
			if plan.action == saveInsert {
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(wf.CreatedAt.UnixMilli()), Member: wf.ID})
			}
			if s.ttl > 0 && wf.State.IsTerminal() {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: workflow %s changed concurrently", engine.ErrVersionConflict, wf.ID)
	}
	if err != nil {
		return err
	}
	if plan.action != saveNoop {
		wf.Context.Version = plan.version
	}
	return nil
}

// List returns matching workflows ordered by creation time. Ids whose hash
// has expired are dropped from the index.
func (s *RedisStore) List(ctx context.Context, filter engine.ListFilter) ([]*engine.Workflow, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index read failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.workflowKey(id), "body")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	var (
		out   []*engine.Workflow
		stale []interface{}
	)
	for i, cmd := range cmds {
		body, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		wf, err := decodeWorkflow(body)
		if err != nil {
			return nil, err
		}
		if filter.Match(wf) {
			out = append(out, wf)
		}
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}

	sortByCreation(out)
	return applyLimit(out, filter.Limit), nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
