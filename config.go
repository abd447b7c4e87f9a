package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/relay-agent/server/internal/agent/model"
	"github.com/relay-agent/server/internal/core"
	pkgredis "github.com/relay-agent/server/pkg/redis"
)

// AppConfig defines all configurable parameters of the server, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Env      core.Environment `envconfig:"APP_ENV" default:"development"`
	LogLevel string           `envconfig:"LOG_LEVEL"`
	HTTPAddr string           `envconfig:"HTTP_ADDR" default:":8000"`

	// Infrastructure
	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	DatabaseDSN string `envconfig:"DATABASE_DSN"`
	Redis       pkgredis.Config

	// Agent configs
	Local         model.LocalModelConfig
	Expensive     model.ExpensiveModelConfig
	RateLimit     model.RateLimitConfig
	Conversation  model.ConversationConfig
	ToolSources   model.ToolSourceConfig
	GraphMaxSteps int `envconfig:"GRAPH_MAX_STEPS" default:"0"`
}

const (
	storeMemory = "memory"
	storeRedis  = "redis"
)

func loadConfig(envFile string) (*AppConfig, error) {
	if envFile != "" {
		// a missing file is fine, the environment may already be set
		_ = godotenv.Load(envFile)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	return &cfg, nil
}
