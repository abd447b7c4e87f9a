package model

import "time"

// ================ Config ================
type ConversationConfig struct {
	// HistoryLimit is how many persisted messages seed a new run.
	HistoryLimit  int           `envconfig:"HISTORY_LIMIT" default:"5"`
	CheckpointTTL time.Duration `envconfig:"CHECKPOINT_TTL" default:"15m"`
	Tools         struct {
		MaxCalls     int  `envconfig:"TOOL_MAX_CALLS" default:"10"`
		ValidateArgs bool `envconfig:"TOOL_VALIDATE_ARGS" default:"true"`
	}
}

// LocalModelConfig points at an OpenAI-compatible endpoint, Ollama by default.
type LocalModelConfig struct {
	BaseURL     string        `envconfig:"LOCAL_BASE_URL" default:"http://localhost:11434/v1"`
	APIKey      string        `envconfig:"LOCAL_API_KEY" default:"ollama"`
	Model       string        `envconfig:"LOCAL_MODEL" default:"exaone3.5"`
	MaxTokens   int           `envconfig:"LOCAL_MAX_TOKENS" default:"2000"`
	Temperature float32       `envconfig:"LOCAL_TEMPERATURE" default:"0"`
	Timeout     time.Duration `envconfig:"LOCAL_TIMEOUT" default:"120s"`
}

type ExpensiveModelConfig struct {
	APIKey      string  `envconfig:"GEMINI_API_KEY"`
	BaseURL     string  `envconfig:"GEMINI_BASE_URL"`
	Model       string  `envconfig:"EXPENSIVE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"EXPENSIVE_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"EXPENSIVE_TEMPERATURE" default:"0"`
	// JudgeModel validates local drafts with a separate Gemini model; empty
	// judges with Model.
	JudgeModel  string  `envconfig:"JUDGE_MODEL"`
}

// Judge returns the config of a separate judge model, if one is set.
func (c ExpensiveModelConfig) Judge() (ExpensiveModelConfig, bool) {
	if c.JudgeModel == "" || c.JudgeModel == c.Model {
		return ExpensiveModelConfig{}, false
	}
	j := c
	j.Model = c.JudgeModel
	return j, true
}

type RateLimitConfig struct {
	MaxCalls int           `envconfig:"RATE_LIMIT_MAX_CALLS" default:"15"`
	Window   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
}

type ToolSourceConfig struct {
	// MCPConfig is a JSON file in the {"mcpServers": {...}} format.
	MCPConfig    string `envconfig:"MCP_CONFIG" default:"mcp_config.json"`
	TavilyAPIKey string `envconfig:"TAVILY_API_KEY"`
}
