package nodes

import (
	"context"
	"slices"
	"strings"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// LookupCachedAnswer is the single cache contract shared by the db_lookup
// node and the gateway fast path: the most recent assistant message that
// contains text, case-insensitive.
func LookupCachedAnswer(ctx context.Context, store model.Store, text string) (*model.ChatRecord, bool, error) {
	text = strings.TrimSpace(text)
	if store == nil || text == "" {
		return nil, false, nil
	}
	rec, ok, err := store.FindSimilarAnswer(ctx, text)
	if err != nil || !ok || rec == nil {
		return nil, false, err
	}
	return rec, true, nil
}

// NewDBLookupNode short-circuits the run with a cached answer. A failing
// store counts as a miss.
func NewDBLookupNode() NodeFunc {
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		rec, ok, err := LookupCachedAnswer(ctx, nc.Deps.Store, st.LatestUserText())
		if err != nil {
			logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", NodeDBLookup).Msg("Cache lookup failed; treating as miss")
		}
		if !ok {
			logx.Run(nc.RunID, NodeDBLookup).Msg("Cache miss")
			return model.Delta{DBHit: model.Ptr(false), Log: logLine("cache miss")}, nil
		}

		logx.Run(nc.RunID, NodeDBLookup).Int64("record_id", rec.ID).Msg("Cache hit")
		results := append(slices.Clone(st.ToolResults), model.ToolResult{ToolName: ToolDBSearch, Output: rec.Content})
		return model.Delta{
			DBHit:       model.Ptr(true),
			ToolResults: results,
			FinalAnswer: model.Ptr(rec.Content),
			Log:         logLine("cache hit: record %d", rec.ID),
		}, nil
	}
}
