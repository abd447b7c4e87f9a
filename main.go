package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relay-agent/server/internal/agent/model"
	"github.com/relay-agent/server/internal/gateway"
	"github.com/relay-agent/server/internal/health"
	logx "github.com/relay-agent/server/pkg/logger"
)

const version = "0.1.0"

var envFile string

var rootCmd = &cobra.Command{
	Use:           "relay-agent",
	Short:         "Agent orchestration server with tool calls, local drafts and escalation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the chat WebSocket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rep := a.monitor.Refresh(ctx)
		if rep.Status != health.StatusOK {
			logx.Warn().Msg("Some components are unhealthy; serving anyway")
		}

		srv, err := gateway.NewServer(gateway.Config{
			Runner:  a.service,
			Health:  a.monitor,
			Tools:   a.catalog,
			Metrics: a.metrics.Handler(),
		})
		if err != nil {
			return err
		}

		errc := make(chan error, 1)
		go func() { errc <- srv.Start(a.cfg.HTTPAddr) }()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			logx.Info().Msg("Shutting down")
			return srv.Shutdown(context.WithoutCancel(ctx))
		}
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [message...]",
	Short: "Run one message through the agent and print its events",
	Example: `
# Ask a question and print every event as JSON
relay-agent ask "what time is it"

# Continue a thread as another user
relay-agent ask --thread t1 --user 2 "remember that I live in Oslo"
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, _ := cmd.Flags().GetString("thread")
		userID, _ := cmd.Flags().GetInt64("user")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		var runErr error
		in := model.QueryInput{RunID: thread, UserID: userID, Message: strings.Join(args, " ")}
		for e := range a.service.Handle(ctx, in) {
			if e.Type == model.EventError && e.Err != nil {
				runErr = e.Err
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return runErr
	},
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return nil, err
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Env, Level: cfg.LogLevel})
	return newApp(ctx, cfg)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	askCmd.Flags().String("thread", "", "thread id to continue; a new one is generated when empty")
	askCmd.Flags().Int64("user", 1, "user id the message belongs to")
	rootCmd.AddCommand(serveCmd, askCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
