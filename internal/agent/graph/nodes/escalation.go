package nodes

import (
	"context"
	"strings"
	"time"

	"github.com/relay-agent/server/internal/agent/graph/parsers"
	"github.com/relay-agent/server/internal/agent/graph/prompts"
	"github.com/relay-agent/server/internal/agent/model"
	errx "github.com/relay-agent/server/internal/core/error"
	logx "github.com/relay-agent/server/pkg/logger"
)

type renderFunc func(context.Context, prompts.Vars) (prompts.Rendered, error)

func vars(st model.RunState) prompts.Vars {
	return prompts.Vars{
		UserMessage: st.LatestUserText(),
		Intent:      string(st.Intent),
		ToolResults: formatToolResults(st.ToolResults),
		Draft:       st.Draft,
		Reason:      st.ValidationReason,
	}
}

// NewDraftWithLocalNode drafts an answer with the local model when no tool
// produced results.
func NewDraftWithLocalNode() NodeFunc {
	return localDraft(NodeDraftWithLocal, prompts.RenderDraft)
}

// NewSynthesizeNode drafts an answer from the tool results with the local model.
func NewSynthesizeNode() NodeFunc {
	return localDraft(NodeSynthesize, prompts.RenderSynthesize)
}

// localDraft never fails the run on a model error: the draft becomes a fixed
// apology and the reason is logged.
func localDraft(node string, render renderFunc) NodeFunc {
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		p, err := render(promptCtx(ctx, nc, node), vars(st))
		if err != nil {
			return model.Delta{}, err
		}

		local := nc.Deps.Local
		if local == nil {
			logx.Warn().Str("run_id", nc.RunID).Str("node", node).Msg("No local model configured")
			return model.Delta{Draft: model.Ptr(LocalFailureText), Log: logLine("local model missing")}, nil
		}
		out, err := local.Complete(ctx, p.System, p.User)
		if err != nil {
			logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", node).Msg("Local model failed")
			return model.Delta{Draft: model.Ptr(LocalFailureText), Log: logLine("local model failed: %v", err)}, nil
		}

		draft := strings.TrimSpace(out)
		logx.Run(nc.RunID, node).Int("draft_len", len(draft)).Msg("Draft ready")
		return model.Delta{Draft: model.Ptr(draft), Log: logLine("draft ready")}, nil
	}
}

// NewValidateNode asks the judge whether the draft is satisfactory. A
// satisfactory draft becomes the final answer. When the judge cannot be
// reached the draft is kept; the expensive path is only marked unavailable
// when the judge is the expensive model itself.
func NewValidateNode() NodeFunc {
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		if st.ExpensiveUnavailable {
			logx.Run(nc.RunID, NodeValidate).Msg("Expensive model unavailable; keeping local draft")
			return keepDraft(st, "validation skipped: expensive model unavailable"), nil
		}
		if strings.TrimSpace(st.Draft) == "" {
			return model.Delta{
				Satisfactory:     model.Ptr(false),
				ValidationReason: model.Ptr("empty draft"),
				Log:              logLine("empty draft"),
			}, nil
		}

		judge := nc.Deps.JudgeModel()
		if judge == nil {
			return unavailable(st, "no judge model configured"), nil
		}
		p, err := prompts.RenderValidate(promptCtx(ctx, nc, NodeValidate), vars(st))
		if err != nil {
			return model.Delta{}, err
		}
		if lim := nc.Deps.Limiter; lim != nil {
			if err := lim.Acquire(ctx); err != nil {
				return model.Delta{}, err
			}
		}

		out, err := judge.Complete(ctx, p.System, p.User)
		if err != nil {
			logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", NodeValidate).Msg("Judge call failed; keeping local draft")
			if nc.Deps.Judge != nil {
				return keepDraft(st, "judge failed: "+err.Error()), nil
			}
			return unavailable(st, "judge failed: "+err.Error()), nil
		}

		v := parsers.ParseVerdict(out)
		logx.Run(nc.RunID, NodeValidate).Bool("satisfactory", v.Satisfactory).Str("reason", v.Reason).Msg("Draft validated")
		d := model.Delta{
			Satisfactory:     model.Ptr(v.Satisfactory),
			ValidationReason: model.Ptr(v.Reason),
		}
		if v.Satisfactory {
			d.FinalAnswer = model.Ptr(st.Draft)
			d.Log = logLine("draft accepted")
		} else {
			d.Log = logLine("draft rejected: %s", v.Reason)
		}
		return d, nil
	}
}

// NewEscalateNode replaces a rejected draft with the expensive model's
// answer and records the pair for distillation. Escalation is best-effort:
// any model failure keeps the local draft. A failed distillation write
// aborts the run.
func NewEscalateNode() NodeFunc {
	return NewEscalateNodeWithClock(time.Now)
}

func NewEscalateNodeWithClock(now func() time.Time) NodeFunc {
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		expensive := nc.Deps.Expensive
		if st.ExpensiveUnavailable || expensive == nil {
			logx.Run(nc.RunID, NodeEscalate).Msg("Expensive model unavailable; keeping local draft")
			d := keepDraft(st, "escalation skipped")
			if expensive == nil {
				d.ExpensiveUnavailable = model.Ptr(true)
			}
			return d, nil
		}

		p, err := prompts.RenderEscalate(promptCtx(ctx, nc, NodeEscalate), vars(st))
		if err != nil {
			return model.Delta{}, err
		}
		if lim := nc.Deps.Limiter; lim != nil {
			if err := lim.Acquire(ctx); err != nil {
				return model.Delta{}, err
			}
		}

		out, err := expensive.Complete(ctx, p.System, p.User)
		if err != nil {
			logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", NodeEscalate).Msg("Expensive model failed; keeping local draft")
			return unavailable(st, "escalation failed: "+err.Error()), nil
		}
		answer := strings.TrimSpace(out)

		if nc.Deps.Store == nil {
			return model.Delta{}, errx.Fatal(errNoCollaborator("store"), "distillation write failed")
		}
		rec := model.DistillationRecord{
			Query:              st.LatestUserText(),
			Intent:             string(st.Intent),
			ExpensiveAnswer:    answer,
			LocalFailureReason: st.ValidationReason,
			CreatedAt:          now().UTC(),
		}
		if err := nc.Deps.Store.AppendDistillation(ctx, rec); err != nil {
			return model.Delta{}, errx.Fatal(err, "distillation write failed")
		}

		logx.Run(nc.RunID, NodeEscalate).Int("answer_len", len(answer)).Msg("Escalated and distilled")
		return model.Delta{
			FinalAnswer: model.Ptr(answer),
			Escalated:   model.Ptr(true),
			Log:         logLine("escalated; distillation recorded"),
		}, nil
	}
}

// keepDraft makes the local draft final, or the apology when there is none.
func keepDraft(st model.RunState, logMsg string) model.Delta {
	d := model.Delta{Log: logLine("%s", logMsg)}
	if !st.HasFinalAnswer {
		d.FinalAnswer = model.Ptr(orDefault(st.Draft, DefaultApologyText))
	}
	return d
}

func unavailable(st model.RunState, logMsg string) model.Delta {
	d := keepDraft(st, logMsg)
	d.ExpensiveUnavailable = model.Ptr(true)
	return d
}
