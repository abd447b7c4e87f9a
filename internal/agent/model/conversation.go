package model

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// IntentUnknown is stored with user messages persisted before classification.
	IntentUnknown = "unknown"
	// IntentCache is stored with messages answered by the cache fast path.
	IntentCache = "db_cache"
)

// ChatRecord is one persisted chat message.
type ChatRecord struct {
	ID        int64     `json:"id"`
	Intent    string    `json:"intent"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is the free-form information remembered about a user.
type Profile struct {
	UserID    int64          `json:"user_id"`
	Info      map[string]any `json:"info"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DistillationRecord captures an expensive-model answer produced after the
// local draft failed validation, for later fine-tuning.
type DistillationRecord struct {
	Query              string    `json:"query"`
	Intent             string    `json:"intent"`
	ExpensiveAnswer    string    `json:"expensive_answer"`
	LocalFailureReason string    `json:"local_failure_reason"`
	CreatedAt          time.Time `json:"created_at"`
}

type Store interface {
	// FindSimilarAnswer returns the most recent assistant message whose content
	// contains text (case-insensitive). ok is false on a miss.
	FindSimilarAnswer(ctx context.Context, text string) (rec *ChatRecord, ok bool, err error)

	// AppendChatMessage persists one chat message.
	AppendChatMessage(ctx context.Context, intent, role, content string) error

	// GetRecentMessages returns up to limit of the latest messages, oldest first.
	GetRecentMessages(ctx context.Context, limit int) ([]ChatRecord, error)

	// GetProfile returns the user's profile; an unknown user yields an empty profile.
	GetProfile(ctx context.Context, userID int64) (*Profile, error)

	// MergeProfile upserts the given keys into the user's profile.
	MergeProfile(ctx context.Context, userID int64, partial map[string]any) error

	// AppendDistillation persists a distillation record.
	AppendDistillation(ctx context.Context, rec DistillationRecord) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
