package main

import (
	"context"
	"fmt"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/tool"

	"github.com/relay-agent/server/internal/agent/graph"
	"github.com/relay-agent/server/internal/agent/graph/nodes"
	"github.com/relay-agent/server/internal/agent/graph/observers"
	"github.com/relay-agent/server/internal/agent/graph/tools"
	"github.com/relay-agent/server/internal/agent/model"
	"github.com/relay-agent/server/internal/agent/runs"
	"github.com/relay-agent/server/internal/health"
	"github.com/relay-agent/server/internal/repo"
	logx "github.com/relay-agent/server/pkg/logger"
	"github.com/relay-agent/server/pkg/ratelimit"
)

// app owns every long-lived collaborator of a process.
type app struct {
	cfg     *AppConfig
	store   model.Store
	catalog model.ToolCatalog
	metrics *observers.Metrics
	monitor *health.Monitor
	service *runs.Service
	closers []func() error
}

func newApp(ctx context.Context, cfg *AppConfig) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: observers.NewMetrics()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	checkpoints, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	handlers := []einocb.Handler{observers.NewAllCallbacks()}

	local := nodes.NewOpenAICompleter(cfg.Local, handlers...)
	checks := []health.Check{
		health.StoreCheck("database", a.store),
		health.CompleterCheck("local_llm", local),
	}

	var expensive, judge model.Completer
	if cfg.Expensive.APIKey != "" {
		gm, err := nodes.NewGeminiChatModel(ctx, cfg.Expensive, handlers...)
		if err != nil {
			return nil, fmt.Errorf("init expensive model: %w", err)
		}
		expensive = gm
		checks = append(checks, health.CompleterCheck("expensive_llm", gm))

		if jc, ok := cfg.Expensive.Judge(); ok {
			jm, err := nodes.NewGeminiChatModel(ctx, jc, handlers...)
			if err != nil {
				return nil, fmt.Errorf("init judge model: %w", err)
			}
			judge = jm
			checks = append(checks, health.CompleterCheck("judge_llm", jm))
			logx.Info().Str("model", jc.Model).Msg("Validating drafts with a separate judge model")
		}
	} else {
		logx.Warn().Msg("GEMINI_API_KEY not set; escalation disabled")
	}
	a.monitor = health.NewMonitor(health.DefaultTimeout, checks...)

	if a.catalog, err = a.openTools(ctx, handlers); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit.MaxCalls, cfg.RateLimit.Window,
		ratelimit.WithWaitObserver(a.metrics.ObserveLimiterWait))

	runner, err := graph.BuildAgentGraph(ctx, graph.AgentConfig{
		Deps: &model.Deps{
			Local:     local,
			Expensive: expensive,
			Judge:     judge,
			Tools:     a.catalog,
			Store:     a.store,
			Limiter:   limiter,
			Callbacks: handlers,
		},
		MaxToolCalls: cfg.Conversation.Tools.MaxCalls,
		ValidateArgs: cfg.Conversation.Tools.ValidateArgs,
		MaxSteps:     cfg.GraphMaxSteps,
		Observers:    []graph.Observer{observers.NewLogObserver(), a.metrics},
		CheckPoints:  checkpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("build agent graph: %w", err)
	}

	a.service, err = runs.NewService(runs.ServiceConfig{
		Graph:        runner,
		Store:        a.store,
		Checkpoints:  checkpoints,
		HistoryLimit: cfg.Conversation.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openStore selects the chat store and the matching checkpoint store.
func (a *app) openStore(ctx context.Context) (runs.CheckpointStore, error) {
	ttl := a.cfg.Conversation.CheckpointTTL
	switch a.cfg.StoreDriver {
	case storeMemory, "":
		a.store = repo.NewMemoryStore()
		return runs.NewMemoryCheckpoints(ttl), nil
	case storeRedis:
		rdb, err := a.cfg.Redis.New()
		if err != nil {
			return nil, fmt.Errorf("init redis client: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		logx.Info().Msg("Connected to Redis successfully")
		a.store = repo.NewRedisStore(rdb, a.cfg.Redis.KeyPrefix)
		return runs.NewRedisCheckpoints(rdb, a.cfg.Redis.KeyPrefix, ttl), nil
	case repo.DriverPostgres, repo.DriverSQLite:
		s, err := repo.OpenSQL(ctx, a.cfg.StoreDriver, a.cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		logx.Info().Str("driver", a.cfg.StoreDriver).Msg("Connected to database successfully")
		a.store = s
		return runs.NewMemoryCheckpoints(ttl), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", a.cfg.StoreDriver)
	}
}

// openTools combines the built-in tools with every reachable MCP server.
func (a *app) openTools(ctx context.Context, handlers []einocb.Handler) (model.ToolCatalog, error) {
	builtins := []tool.InvokableTool{tools.NewCurrentTimeTool(time.Now)}
	if key := a.cfg.ToolSources.TavilyAPIKey; key != "" {
		builtins = append(builtins, tools.NewWebSearchTool(&tools.TavilyClient{APIKey: key}))
	} else {
		logx.Warn().Msg("TAVILY_API_KEY not set; web_search unavailable")
	}
	reg, err := tools.NewRegistry(ctx, builtins, tools.WithToolCallbacks(handlers...))
	if err != nil {
		return nil, fmt.Errorf("init tool registry: %w", err)
	}

	mcpCfg, err := tools.LoadMCPConfig(a.cfg.ToolSources.MCPConfig)
	if err != nil {
		return nil, err
	}
	mcpCat, err := tools.ConnectMCP(ctx, mcpCfg, version)
	if err != nil {
		return nil, fmt.Errorf("connect mcp servers: %w", err)
	}
	a.closers = append(a.closers, mcpCat.Close)

	catalog := tools.NewMultiCatalog(reg, mcpCat)
	if infos, err := catalog.List(ctx); err == nil {
		logx.Info().Int("tools", len(infos)).Msg("Tool catalog ready")
	}
	return catalog, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logx.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}
