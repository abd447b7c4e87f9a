package repo

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/relay-agent/server/internal/agent/model"
)

// MemoryStore keeps everything in process. It backs tests and the
// STORE_DRIVER=memory development mode.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	nextID        int64
	messages      []model.ChatRecord
	profiles      map[int64]*model.Profile
	distillations []model.DistillationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, profiles: map[int64]*model.Profile{}}
}

// WithClock replaces the timestamp source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) FindSimilarAnswer(_ context.Context, text string) (*model.ChatRecord, bool, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == model.RoleAssistant && strings.Contains(strings.ToLower(m.Content), needle) {
			return &m, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) AppendChatMessage(_ context.Context, intent, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.messages = append(s.messages, model.ChatRecord{
		ID:        s.nextID,
		Intent:    intent,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

func (s *MemoryStore) GetRecentMessages(_ context.Context, limit int) ([]model.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return []model.ChatRecord{}, nil
	}
	start := max(len(s.messages)-limit, 0)
	out := make([]model.ChatRecord, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID int64) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &model.Profile{UserID: userID, Info: map[string]any{}}, nil
	}
	return &model.Profile{UserID: userID, Info: maps.Clone(p.Info), UpdatedAt: p.UpdatedAt}, nil
}

func (s *MemoryStore) MergeProfile(_ context.Context, userID int64, partial map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = &model.Profile{UserID: userID, Info: map[string]any{}}
		s.profiles[userID] = p
	}
	maps.Copy(p.Info, partial)
	p.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) AppendDistillation(_ context.Context, rec model.DistillationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distillations = append(s.distillations, rec)
	return nil
}

// Distillations returns a copy of the recorded distillation pairs.
func (s *MemoryStore) Distillations() []model.DistillationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DistillationRecord, len(s.distillations))
	copy(out, s.distillations)
	return out
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

var _ model.Store = (*MemoryStore)(nil)
