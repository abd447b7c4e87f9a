// Package gateway exposes agent runs over HTTP and a streaming WebSocket.
package gateway

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/relay-agent/server/internal/agent/model"
	"github.com/relay-agent/server/internal/health"
	logx "github.com/relay-agent/server/pkg/logger"
)

const SystemName = "Relay Agent"

// Runner is the run service the gateway drives.
type Runner interface {
	Handle(ctx context.Context, in model.QueryInput) iter.Seq[model.Event]
	Stop(runID string) bool
	State(ctx context.Context, runID string) (*model.RunState, bool, error)
}

type Config struct {
	Runner  Runner
	Health  *health.Monitor
	Tools   model.ToolCatalog
	Metrics http.Handler
	// DefaultUserID is used when a chat payload has no user_id.
	DefaultUserID int64
}

type Server struct {
	echo          *echo.Echo
	runner        Runner
	health        *health.Monitor
	tools         model.ToolCatalog
	upgrader      websocket.Upgrader
	defaultUserID int64
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor(health.DefaultTimeout)
	}
	if cfg.DefaultUserID == 0 {
		cfg.DefaultUserID = 1
	}

	s := &Server{
		echo:          echo.New(),
		runner:        cfg.Runner,
		health:        cfg.Health,
		tools:         cfg.Tools,
		defaultUserID: cfg.DefaultUserID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logx.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("HTTP request")
			return nil
		},
	}))

	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/api/system/health", s.handleHealth)
	s.echo.POST("/api/agent/stop", s.handleStop)
	s.echo.GET("/api/agent/:thread_id/state", s.handleState)
	s.echo.GET("/ws/chat", s.handleChat)
	if cfg.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving addr until Shutdown.
func (s *Server) Start(addr string) error {
	logx.Info().Str("addr", addr).Msg("Gateway listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"system": SystemName,
		"status": "operational",
		"health": s.health.Last().Components,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	rep := s.health.Refresh(c.Request().Context())
	tools := 0
	if s.tools != nil {
		if infos, err := s.tools.List(c.Request().Context()); err == nil {
			tools = len(infos)
		} else {
			logx.Warn().Err(err).Msg("Failed to list tools")
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     rep.Status,
		"components": rep.Components,
		"tools":      tools,
	})
}

type stopRequest struct {
	ThreadID string `json:"thread_id"`
}

func (s *Server) handleStop(c echo.Context) error {
	var req stopRequest
	if err := c.Bind(&req); err != nil || req.ThreadID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "thread_id is required"})
	}
	status := "not_running"
	if s.runner.Stop(req.ThreadID) {
		status = "stopped"
		logx.Info().Str("run_id", req.ThreadID).Msg("Stop requested")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleState(c echo.Context) error {
	id := c.Param("thread_id")
	st, ok, err := s.runner.State(c.Request().Context(), id)
	if err != nil {
		logx.Error().Err(err).Str("run_id", id).Msg("Failed to load run state")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "state unavailable"})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Thread not found"})
	}
	return c.JSON(http.StatusOK, st)
}
