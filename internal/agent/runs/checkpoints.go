package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relay-agent/server/internal/agent/model"
	errx "github.com/relay-agent/server/internal/core/error"
)

const DefaultCheckpointTTL = 15 * time.Minute

// CheckpointStore keeps the latest state snapshot of each run until its TTL
// expires.
type CheckpointStore interface {
	Set(ctx context.Context, runID string, st *model.RunState) error
	Get(ctx context.Context, runID string) (*model.RunState, bool, error)
}

// ================ Memory ================

type memEntry struct {
	state   *model.RunState
	expires time.Time
}

type MemoryCheckpoints struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
}

func NewMemoryCheckpoints(ttl time.Duration) *MemoryCheckpoints {
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}
	return &MemoryCheckpoints{ttl: ttl, now: time.Now, entries: map[string]memEntry{}}
}

// WithClock replaces the expiry clock.
func (m *MemoryCheckpoints) WithClock(now func() time.Time) *MemoryCheckpoints {
	m.now = now
	return m
}

func (m *MemoryCheckpoints) Set(_ context.Context, runID string, st *model.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictLocked(now)
	m.entries[runID] = memEntry{state: st.Clone(), expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryCheckpoints) Get(_ context.Context, runID string) (*model.RunState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[runID]
	if !ok || !m.now().Before(e.expires) {
		delete(m.entries, runID)
		return nil, false, nil
	}
	return e.state.Clone(), true, nil
}

func (m *MemoryCheckpoints) evictLocked(now time.Time) {
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
		}
	}
}

// ================ Redis ================

type RedisCheckpoints struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCheckpoints(rdb redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisCheckpoints {
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}
	return &RedisCheckpoints{rdb: rdb, prefix: keyPrefix, ttl: ttl}
}

func (r *RedisCheckpoints) key(runID string) string {
	return fmt.Sprintf("%s:run:%s:state", r.prefix, runID)
}

func (r *RedisCheckpoints) Set(ctx context.Context, runID string, st *model.RunState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	return errx.WrapRedis(r.rdb.Set(ctx, r.key(runID), b, r.ttl).Err())
}

func (r *RedisCheckpoints) Get(ctx context.Context, runID string) (*model.RunState, bool, error) {
	b, err := r.rdb.Get(ctx, r.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errx.WrapRedis(err)
	}
	var st model.RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, false, fmt.Errorf("unmarshal run state %s: %w", runID, err)
	}
	return &st, true, nil
}

var (
	_ CheckpointStore = (*MemoryCheckpoints)(nil)
	_ CheckpointStore = (*RedisCheckpoints)(nil)
)
