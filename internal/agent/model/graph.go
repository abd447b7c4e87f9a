package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ErrInvariant is returned by RunState.Apply when a delta would break one of
// the run-state invariants. It is always fatal to the run.
var ErrInvariant = errors.New("run state invariant violated")

// Intent is the coarse classification of a user utterance.
type Intent string

const (
	IntentUnset    Intent = ""
	IntentSearch   Intent = "Search"
	IntentDatabase Intent = "Database"
	IntentSystem   Intent = "System"
	IntentProfile  Intent = "Profile"
	IntentChat     Intent = "Chat"
)

// Intents lists every valid intent in classifier priority order.
var Intents = []Intent{IntentSearch, IntentDatabase, IntentSystem, IntentProfile, IntentChat}

// RunState stores per-run state for the agent graph.
// Concurrency model:
//   - A RunState is owned by exactly one in-flight run and is only mutated by
//     the executor through Apply, between node invocations.
//   - Nodes receive a value copy and must not mutate shared slices in place;
//     they return a Delta instead.
//   - Anything that reads state from another goroutine (HTTP state endpoint)
//     goes through a checkpoint snapshot produced by Clone.
type RunState struct {
	RunID        string            `json:"run_id"`
	UserID       int64             `json:"user_id"`
	Conversation []*schema.Message `json:"conversation"`
	Intent       Intent            `json:"intent"`
	DBHit        bool              `json:"db_hit"`
	ToolQueue    []PlannedCall     `json:"tool_queue"`
	ToolResults  []ToolResult      `json:"tool_results"`

	// Draft is the local model answer awaiting validation.
	Draft            string `json:"draft,omitempty"`
	Satisfactory     bool   `json:"satisfactory"`
	ValidationReason string `json:"validation_reason,omitempty"`

	FinalAnswer    string `json:"final_answer,omitempty"`
	HasFinalAnswer bool   `json:"has_final_answer"`

	// ExpensiveUnavailable short-circuits validation and escalation.
	ExpensiveUnavailable bool `json:"expensive_unavailable"`
	// Escalated is set when the final answer came from the expensive model.
	Escalated bool `json:"escalated"`

	CurrentNode string   `json:"current_node"`
	Log         []string `json:"log"`

	queuePlanned bool
}

// NewRunState creates the state for a single run. The conversation is
// expected to already end with the current user message.
func NewRunState(runID string, userID int64, conversation []*schema.Message) *RunState {
	return &RunState{
		RunID:        runID,
		UserID:       userID,
		Conversation: slices.Clone(conversation),
	}
}

// LatestUserText returns the content of the most recent user message.
func (s *RunState) LatestUserText() string {
	for i := len(s.Conversation) - 1; i >= 0; i-- {
		m := s.Conversation[i]
		if m != nil && m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}

// Answer sources reported by AnswerSource.
const (
	SourceCache     = "cache"
	SourceProfile   = "profile"
	SourceExpensive = "expensive"
	SourceLocal     = "local"
)

// AnswerSource tells where the final answer came from.
func (s *RunState) AnswerSource() string {
	switch {
	case s.DBHit:
		return SourceCache
	case s.Intent == IntentProfile:
		return SourceProfile
	case s.Escalated:
		return SourceExpensive
	default:
		return SourceLocal
	}
}

// Clone returns a copy that shares no slices with s.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.Conversation = make([]*schema.Message, 0, len(s.Conversation))
	for _, m := range s.Conversation {
		if m == nil {
			continue
		}
		mc := *m
		c.Conversation = append(c.Conversation, &mc)
	}
	c.ToolQueue = make([]PlannedCall, len(s.ToolQueue))
	for i, pc := range s.ToolQueue {
		c.ToolQueue[i] = pc.Clone()
	}
	c.ToolResults = slices.Clone(s.ToolResults)
	c.Log = slices.Clone(s.Log)
	return &c
}

// Apply merges a delta into the state by key. Fields left nil in the delta
// are unchanged; the accumulating fields must already be merged by the node.
func (s *RunState) Apply(d Delta) error {
	if d.Intent != nil {
		if s.Intent != IntentUnset && *d.Intent != s.Intent {
			return fmt.Errorf("%w: intent already set to %q", ErrInvariant, s.Intent)
		}
		s.Intent = *d.Intent
	}
	if d.Conversation != nil {
		if len(d.Conversation) < len(s.Conversation) {
			return fmt.Errorf("%w: conversation shrank from %d to %d", ErrInvariant, len(s.Conversation), len(d.Conversation))
		}
		s.Conversation = d.Conversation
	}
	if d.ToolResults != nil {
		if len(d.ToolResults) < len(s.ToolResults) {
			return fmt.Errorf("%w: tool results shrank from %d to %d", ErrInvariant, len(s.ToolResults), len(d.ToolResults))
		}
		s.ToolResults = d.ToolResults
	}
	if d.ToolQueue != nil {
		// once planned, the queue only ever loses its head
		if s.queuePlanned && len(d.ToolQueue) != max(len(s.ToolQueue)-1, 0) {
			return fmt.Errorf("%w: tool queue must shrink by one (%d -> %d)", ErrInvariant, len(s.ToolQueue), len(d.ToolQueue))
		}
		s.ToolQueue = d.ToolQueue
		s.queuePlanned = true
	}
	if d.FinalAnswer != nil {
		if s.HasFinalAnswer {
			return fmt.Errorf("%w: final answer already set", ErrInvariant)
		}
		s.FinalAnswer = *d.FinalAnswer
		s.HasFinalAnswer = true
	}
	if d.DBHit != nil {
		s.DBHit = *d.DBHit
	}
	if d.Draft != nil {
		s.Draft = *d.Draft
	}
	if d.Satisfactory != nil {
		s.Satisfactory = *d.Satisfactory
	}
	if d.ValidationReason != nil {
		s.ValidationReason = *d.ValidationReason
	}
	if d.ExpensiveUnavailable != nil {
		s.ExpensiveUnavailable = *d.ExpensiveUnavailable
	}
	if d.Escalated != nil {
		s.Escalated = *d.Escalated
	}
	if d.Log != nil {
		s.Log = d.Log
	}
	return nil
}

// Delta is a partial RunState update returned by a node.
// A nil pointer or nil slice leaves the field unchanged; a non-nil empty
// slice clears it.
type Delta struct {
	Conversation         []*schema.Message
	Intent               *Intent
	DBHit                *bool
	ToolQueue            []PlannedCall
	ToolResults          []ToolResult
	Draft                *string
	Satisfactory         *bool
	ValidationReason     *string
	FinalAnswer          *string
	ExpensiveUnavailable *bool
	Escalated            *bool
	Log                  []string
}

// Ptr returns a pointer to v, for filling Delta fields.
func Ptr[T any](v T) *T {
	return &v
}

// QueryInput represents one client request to the agent.
type QueryInput struct {
	RunID   string `json:"thread_id"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}
