package repo

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relay-agent/server/internal/agent/model"
	redisx "github.com/relay-agent/server/pkg/redis"
)

// storeContract runs the behaviour every model.Store must share.
func storeContract(t *testing.T, s model.Store) {
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		_, ok, err := s.FindSimilarAnswer(ctx, "anything")
		require.NoError(t, err)
		assert.False(t, ok)

		recent, err := s.GetRecentMessages(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, recent)

		p, err := s.GetProfile(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), p.UserID)
		assert.Empty(t, p.Info)
	})

	t.Run("chat log", func(t *testing.T) {
		require.NoError(t, s.AppendChatMessage(ctx, model.IntentUnknown, model.RoleUser, "What is the capital of France?"))
		require.NoError(t, s.AppendChatMessage(ctx, "Chat", model.RoleAssistant, "Paris is the capital of France."))
		require.NoError(t, s.AppendChatMessage(ctx, model.IntentUnknown, model.RoleUser, "And of Italy?"))
		require.NoError(t, s.AppendChatMessage(ctx, "Chat", model.RoleAssistant, "Rome is the CAPITAL of Italy."))

		rec, ok, err := s.FindSimilarAnswer(ctx, "  capital  ")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Rome is the CAPITAL of Italy.", rec.Content)
		assert.Equal(t, model.RoleAssistant, rec.Role)

		// user messages never match
		_, ok, err = s.FindSimilarAnswer(ctx, "And of Italy")
		require.NoError(t, err)
		assert.False(t, ok)

		// LIKE metacharacters are literal
		_, ok, err = s.FindSimilarAnswer(ctx, "%")
		require.NoError(t, err)
		assert.False(t, ok)

		recent, err := s.GetRecentMessages(ctx, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, "Paris is the capital of France.", recent[0].Content)
		assert.Equal(t, "Rome is the CAPITAL of Italy.", recent[2].Content)
		assert.Less(t, recent[0].ID, recent[2].ID)
	})

	t.Run("profile merge", func(t *testing.T) {
		require.NoError(t, s.MergeProfile(ctx, 1, map[string]any{"name": "Ann", "city": "Oslo"}))
		require.NoError(t, s.MergeProfile(ctx, 1, map[string]any{"city": "Bergen"}))

		p, err := s.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "Ann", "city": "Bergen"}, p.Info)
		assert.False(t, p.UpdatedAt.IsZero())
	})

	t.Run("concurrent first merges keep every key", func(t *testing.T) {
		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.MergeProfile(ctx, 77, map[string]any{fmt.Sprintf("k%d", i): "v"})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		p, err := s.GetProfile(ctx, 77)
		require.NoError(t, err)
		assert.Len(t, p.Info, writers)
	})

	t.Run("distillation", func(t *testing.T) {
		require.NoError(t, s.AppendDistillation(ctx, model.DistillationRecord{
			Query:              "q",
			Intent:             "Chat",
			ExpensiveAnswer:    "a",
			LocalFailureReason: "too vague",
			CreatedAt:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}))
	})

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	storeContract(t, s)
	require.Len(t, s.Distillations(), 1)
	assert.Equal(t, "too vague", s.Distillations()[0].LocalFailureReason)
}

func TestSQLStore_SQLite(t *testing.T) {
	s, err := OpenSQL(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storeContract(t, s)

	recs, err := s.Distillations(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), recs[0].CreatedAt)
}

func TestOpenSQL_RejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
	_, err = OpenSQL(context.Background(), DriverSQLite, "")
	assert.Error(t, err)
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, q, dialects[DriverSQLite].rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", dialects[DriverPostgres].rebind(q))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now \\`, escapeLike(`50% off_now \`))
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	cfg := redisx.Config{URL: url, ReadTimeout: 3, WriteTimeout: 3, DialTimeout: 5}
	rdb, err := cfg.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	prefix := "relay-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
	})

	storeContract(t, NewRedisStore(rdb, prefix))
}
