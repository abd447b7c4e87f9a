package nodes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

var errEmptyCompletion = errors.New("model returned no choices")

func completionMessages(systemPrompt, userPrompt string) []*schema.Message {
	msgs := make([]*schema.Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, schema.SystemMessage(systemPrompt))
	}
	return append(msgs, schema.UserMessage(userPrompt))
}

// logUsage computes and logs the usage cost of one completion.
func logUsage(modelName string, usage *model.Usage) {
	if usage == nil {
		return
	}
	inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelName))
	logx.Debug().
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}

// ================ Eino chat model ================

// ChatModelCompleter adapts an Eino chat model to model.Completer.
type ChatModelCompleter struct {
	ChatModel einomodel.BaseChatModel
	ModelName string
	// Handlers receive the chat model callbacks of every completion.
	Handlers []einocb.Handler
}

func (c *ChatModelCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c == nil || c.ChatModel == nil {
		return "", errNoCollaborator("chat model")
	}
	if len(c.Handlers) > 0 {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      c.ModelName,
			Type:      "ChatModel",
			Component: components.ComponentOfChatModel,
		}, c.Handlers...)
	}

	out, err := c.ChatModel.Generate(ctx, completionMessages(systemPrompt, userPrompt))
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", c.ModelName, err)
	}
	if out == nil {
		return "", errEmptyCompletion
	}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		u := out.ResponseMeta.Usage
		logUsage(c.ModelName, &model.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		})
	}
	return out.Content, nil
}

// NewGeminiChatModel creates the expensive model.
func NewGeminiChatModel(ctx context.Context, cfg model.ExpensiveModelConfig, handlers ...einocb.Handler) (*ChatModelCompleter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is empty")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	cm, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &cfg.Temperature,
		MaxTokens:   &cfg.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating expensive model")
		return nil, fmt.Errorf("error creating expensive model: %w", err)
	}

	return &ChatModelCompleter{ChatModel: cm, ModelName: cfg.Model, Handlers: handlers}, nil
}

// ================ OpenAI-compatible ================

// OpenAICompleter talks to any OpenAI-compatible endpoint; the local model
// is served through Ollama's /v1 API.
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	handlers    []einocb.Handler
}

func NewOpenAICompleter(cfg model.LocalModelConfig, handlers ...einocb.Handler) *OpenAICompleter {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		handlers:    handlers,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := completionMessages(systemPrompt, userPrompt)
	if len(c.handlers) > 0 {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      c.model,
			Type:      "OpenAI",
			Component: components.ComponentOfChatModel,
		}, c.handlers...)
		ctx = einocb.OnStart(ctx, &einomodel.CallbackInput{Messages: msgs})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err == nil && len(resp.Choices) == 0 {
		err = errEmptyCompletion
	}
	if err != nil {
		if len(c.handlers) > 0 {
			einocb.OnError(ctx, err)
		}
		return "", fmt.Errorf("%s chat completion: %w", c.model, err)
	}

	content := resp.Choices[0].Message.Content
	usage := &model.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(c.handlers) > 0 {
		einocb.OnEnd(ctx, &einomodel.CallbackOutput{
			Message: schema.AssistantMessage(content, nil),
			TokenUsage: &einomodel.TokenUsage{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
			},
		})
	}
	logUsage(c.model, usage)
	return content, nil
}

// Ping checks that the endpoint answers and serves the configured model.
func (c *OpenAICompleter) Ping(ctx context.Context) error {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if m.ID == c.model || strings.TrimSuffix(m.ID, ":latest") == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not served", c.model)
}

var (
	_ model.Completer = (*ChatModelCompleter)(nil)
	_ model.Completer = (*OpenAICompleter)(nil)
)
