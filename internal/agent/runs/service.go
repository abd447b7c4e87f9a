package runs

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/relay-agent/server/internal/agent/graph"
	"github.com/relay-agent/server/internal/agent/graph/nodes"
	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

const DefaultHistoryLimit = 5

// ErrEmptyMessage is reported for a request without text.
var ErrEmptyMessage = errors.New("message is empty")

// Service turns one client request into a stream of run events. It answers
// from the cache when it can, otherwise seeds a run with recent history and
// drives the agent graph.
type Service struct {
	graph        *graph.Runnable
	store        model.Store
	registry     *Registry
	checkpoints  CheckpointStore
	historyLimit int
	newID        func() string
}

type ServiceConfig struct {
	Graph       *graph.Runnable
	Store       model.Store
	Registry    *Registry
	Checkpoints CheckpointStore
	// HistoryLimit is how many persisted messages seed a run.
	HistoryLimit int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Graph == nil {
		return nil, errors.New("graph is nil")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{
		graph:        cfg.Graph,
		store:        cfg.Store,
		registry:     cfg.Registry,
		checkpoints:  cfg.Checkpoints,
		historyLimit: cfg.HistoryLimit,
		newID:        uuid.NewString,
	}, nil
}

// Stop cancels the run with the given id.
func (s *Service) Stop(runID string) bool {
	return s.registry.Cancel(runID)
}

// State returns the latest snapshot of a run.
func (s *Service) State(ctx context.Context, runID string) (*model.RunState, bool, error) {
	if s.checkpoints == nil {
		return nil, false, nil
	}
	return s.checkpoints.Get(ctx, runID)
}

func (s *Service) Running(runID string) bool {
	return s.registry.Running(runID)
}

// Handle runs one request. Every event carries the run id, which is the
// caller's thread id or a fresh one. The stream always ends with an end
// event, including after a cancellation.
func (s *Service) Handle(ctx context.Context, in model.QueryInput) iter.Seq[model.Event] {
	runID := strings.TrimSpace(in.RunID)
	if runID == "" {
		runID = s.newID()
	}

	return func(yield func(model.Event) bool) {
		yieldErr := func(err error) {
			if yield(model.Event{Type: model.EventError, RunID: runID, Text: err.Error(), Err: err}) {
				yield(model.Event{Type: model.EventEnd, RunID: runID})
			}
		}

		message := strings.TrimSpace(in.Message)
		if message == "" {
			yieldErr(ErrEmptyMessage)
			return
		}

		runCtx, done, err := s.registry.Begin(ctx, runID)
		if err != nil {
			yieldErr(err)
			return
		}
		defer done()

		if s.answerFromCache(runCtx, runID, message, yield) {
			return
		}

		st := model.NewRunState(runID, in.UserID, s.seedConversation(runCtx, runID, message))
		s.persist(runCtx, runID, model.IntentUnknown, model.RoleUser, message)

		ended := false
		for e := range s.graph.Stream(runCtx, st) {
			if e.Type == model.EventEnd {
				ended = true
				if e.State != nil {
					s.persist(ctx, runID, string(e.State.Intent), model.RoleAssistant, e.State.FinalAnswer)
				}
			}
			if !yield(e) {
				return
			}
		}
		if !ended {
			// cancelled at a node boundary; let the client unlock
			logx.Info().Str("run_id", runID).Msg("Run stopped")
			yield(model.Event{Type: model.EventEnd, RunID: runID})
		}
	}
}

// answerFromCache serves a cached answer without running the graph. It
// reports whether the request was answered.
func (s *Service) answerFromCache(ctx context.Context, runID, message string, yield func(model.Event) bool) bool {
	rec, ok, err := nodes.LookupCachedAnswer(ctx, s.store, message)
	if err != nil {
		logx.Warn().Err(err).Str("run_id", runID).Msg("Cache fast path failed; running graph")
		return false
	}
	if !ok {
		return false
	}

	logx.Info().Str("run_id", runID).Int64("record_id", rec.ID).Msg("Answered from cache")
	s.persist(ctx, runID, model.IntentCache, model.RoleUser, message)
	s.persist(ctx, runID, model.IntentCache, model.RoleAssistant, rec.Content)

	if yield(model.Event{
		Type:        model.EventFinalAnswer,
		RunID:       runID,
		Text:        rec.Content,
		ToolResults: []model.ToolResult{{ToolName: nodes.ToolDBSearch, Output: rec.Content}},
	}) {
		yield(model.Event{Type: model.EventEnd, RunID: runID})
	}
	return true
}

// seedConversation is the persisted history, oldest first, followed by the
// current message.
func (s *Service) seedConversation(ctx context.Context, runID, message string) []*schema.Message {
	var conv []*schema.Message
	if s.store != nil {
		recs, err := s.store.GetRecentMessages(ctx, s.historyLimit)
		if err != nil {
			logx.Warn().Err(err).Str("run_id", runID).Msg("Failed to load history; starting fresh")
		}
		for _, r := range recs {
			switch r.Role {
			case model.RoleUser:
				conv = append(conv, schema.UserMessage(r.Content))
			case model.RoleAssistant:
				conv = append(conv, schema.AssistantMessage(r.Content, nil))
			}
		}
	}
	return append(conv, schema.UserMessage(message))
}

func (s *Service) persist(ctx context.Context, runID, intent, role, content string) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendChatMessage(context.WithoutCancel(ctx), intent, role, content); err != nil {
		logx.Warn().Err(err).Str("run_id", runID).Str("role", role).Msg("Failed to persist chat message")
	}
}
