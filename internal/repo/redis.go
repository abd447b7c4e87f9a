package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relay-agent/server/internal/agent/model"
	errx "github.com/relay-agent/server/internal/core/error"
	logx "github.com/relay-agent/server/pkg/logger"
)

// DefaultScanLimit bounds how many recent messages FindSimilarAnswer scans.
const DefaultScanLimit = 1000

// RedisStore keeps the chat log in a list, profiles in hashes and
// distillation records in an append-only list.
type RedisStore struct {
	rdb       redis.Cmdable
	prefix    string
	scanLimit int64
	now       func() time.Time
}

func NewRedisStore(rdb redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "relay"
	}
	return &RedisStore{rdb: rdb, prefix: keyPrefix, scanLimit: DefaultScanLimit, now: time.Now}
}

func (r *RedisStore) messagesKey() string { return r.prefix + ":chat:messages" }
func (r *RedisStore) seqKey() string { return r.prefix + ":chat:seq" }
func (r *RedisStore) distillationKey() string { return r.prefix + ":distillations" }
func (r *RedisStore) profileKey(id int64) string {
	return fmt.Sprintf("%s:profile:%d", r.prefix, id)
}

const profileUpdatedField = "__updated_at"

func (r *RedisStore) AppendChatMessage(ctx context.Context, intent, role, content string) error {
	id, err := r.rdb.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		logx.Error().Err(err).Str("key", r.seqKey()).Msg("failed to allocate message id")
		return errx.WrapRedis(err)
	}
	b, err := json.Marshal(model.ChatRecord{
		ID:        id,
		Intent:    intent,
		Role:      role,
		Content:   content,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := r.messagesKey()
	if err := r.rdb.RPush(ctx, key, b).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to push message to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) GetRecentMessages(ctx context.Context, limit int) ([]model.ChatRecord, error) {
	if limit <= 0 {
		return []model.ChatRecord{}, nil
	}
	return r.lrange(ctx, -int64(limit))
}

// FindSimilarAnswer scans the most recent messages newest first.
func (r *RedisStore) FindSimilarAnswer(ctx context.Context, text string) (*model.ChatRecord, bool, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, false, nil
	}
	recs, err := r.lrange(ctx, -r.scanLimit)
	if err != nil {
		return nil, false, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Role == model.RoleAssistant && strings.Contains(strings.ToLower(recs[i].Content), needle) {
			return &recs[i], true, nil
		}
	}
	return nil, false, nil
}

func (r *RedisStore) lrange(ctx context.Context, start int64) ([]model.ChatRecord, error) {
	key := r.messagesKey()
	rows, err := r.rdb.LRange(ctx, key, start, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []model.ChatRecord{}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load messages from redis")
		return nil, errx.WrapRedis(err)
	}

	recs := make([]model.ChatRecord, 0, len(rows))
	for i, s := range rows {
		var rec model.ChatRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			logx.Error().Err(err).Str("key", key).Int("index", i).Msg("failed to unmarshal message")
			return nil, fmt.Errorf("unmarshal message at index %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *RedisStore) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	key := r.profileKey(userID)
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logx.Error().Err(err).Str("key", key).Msg("failed to load profile from redis")
		return nil, errx.WrapRedis(err)
	}

	p := &model.Profile{UserID: userID, Info: make(map[string]any, len(fields))}
	for k, raw := range fields {
		if k == profileUpdatedField {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				p.UpdatedAt = time.UnixMilli(ms).UTC()
			}
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		p.Info[k] = v
	}
	return p, nil
}

// MergeProfile writes every key as one hash field, so concurrent merges of
// different keys never clobber each other.
func (r *RedisStore) MergeProfile(ctx context.Context, userID int64, partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(partial)+2)
	for k, v := range partial {
		if k == profileUpdatedField {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal profile value %q: %w", k, err)
		}
		values = append(values, k, string(b))
	}
	values = append(values, profileUpdatedField, strconv.FormatInt(r.now().UnixMilli(), 10))

	key := r.profileKey(userID)
	if err := r.rdb.HSet(ctx, key, values...).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to merge profile")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) AppendDistillation(ctx context.Context, rec model.DistillationRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal distillation: %w", err)
	}
	key := r.distillationKey()
	if err := r.rdb.RPush(ctx, key, b).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to append distillation record")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return errx.WrapRedis(r.rdb.Ping(ctx).Err())
}

var _ model.Store = (*RedisStore)(nil)
