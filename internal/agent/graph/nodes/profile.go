package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relay-agent/server/internal/agent/graph/parsers"
	"github.com/relay-agent/server/internal/agent/graph/prompts"
	"github.com/relay-agent/server/internal/agent/model"
	errx "github.com/relay-agent/server/internal/core/error"
	logx "github.com/relay-agent/server/pkg/logger"
)

// NewUpdateProfileNode extracts personal info from the utterance with the
// local model and merges it into the user's profile. A failing model is
// answered with an apology; a failing store aborts the run.
func NewUpdateProfileNode() NodeFunc {
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		p, err := prompts.RenderProfile(promptCtx(ctx, nc, NodeUpdateProfile), prompts.Vars{UserMessage: st.LatestUserText()})
		if err != nil {
			return model.Delta{}, err
		}

		local := nc.Deps.Local
		if local == nil {
			return finalDelta(ProfileFailureText, "no local model configured"), nil
		}
		out, err := local.Complete(ctx, p.System, p.User)
		if err != nil {
			logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", NodeUpdateProfile).Msg("Profile extraction failed")
			return finalDelta(ProfileFailureText, "extraction failed: "+err.Error()), nil
		}

		info, err := parsers.ParseProfile(out)
		if err != nil {
			logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", NodeUpdateProfile).Msg("Profile extraction unparsable")
		}
		if len(info) == 0 {
			return finalDelta(NothingToRememberText, "nothing extracted"), nil
		}

		if nc.Deps.Store == nil {
			return model.Delta{}, errx.Fatal(errNoCollaborator("store"), "profile update failed")
		}
		if err := nc.Deps.Store.MergeProfile(ctx, st.UserID, info); err != nil {
			return model.Delta{}, errx.Fatal(err, "profile update failed")
		}

		logx.Run(nc.RunID, NodeUpdateProfile).Int64("user_id", st.UserID).Int("keys", len(info)).Msg("Profile updated")
		return finalDelta(ProfileConfirmation(info), fmt.Sprintf("stored %d key(s)", len(info))), nil
	}
}

// ProfileConfirmation lists the stored keys in a stable order.
func ProfileConfirmation(info map[string]any) string {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, info[k]))
	}
	return "Got it. I will remember your " + strings.Join(parts, ", ") + "."
}

func finalDelta(text, logMsg string) model.Delta {
	return model.Delta{FinalAnswer: model.Ptr(text), Log: logLine("%s", logMsg)}
}
