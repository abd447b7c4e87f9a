package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	ToolWebSearch   = "web_search"
	ToolCurrentTime = "current_time"

	DefaultTavilyURL = "https://api.tavily.com/search"
)

// ===================================
// Web Search Tool
// ===================================

type WebSearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type WebSearchOutput struct {
	Answer  string            `json:"answer,omitempty"`
	Results []WebSearchResult `json:"results"`
}

// TavilyClient calls the Tavily search API.
type TavilyClient struct {
	APIKey   string
	Endpoint string
	HTTP     *http.Client
}

func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) (*WebSearchOutput, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultTavilyURL
	}
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	body, err := json.Marshal(map[string]any{
		"api_key":        c.APIKey,
		"query":          query,
		"max_results":    maxResults,
		"include_answer": true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tavily status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out WebSearchOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tavily decode: %w", err)
	}
	if out.Results == nil {
		out.Results = []WebSearchResult{}
	}
	return &out, nil
}

// NewWebSearchTool exposes Tavily search as the web_search tool.
func NewWebSearchTool(client *TavilyClient) tool.InvokableTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolWebSearch,
			Desc: "Search the web for current information such as news, documentation and error messages.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     "string",
					Desc:     "Search query",
					Required: true,
				},
				"max_results": {
					Type: "integer",
					Desc: "Maximum number of results (default: 5, max: 10)",
				},
			}),
		},
		func(ctx context.Context, in *WebSearchInput) (*WebSearchOutput, error) {
			q := strings.TrimSpace(in.Query)
			if q == "" {
				return nil, fmt.Errorf("query is required")
			}
			n := in.MaxResults
			if n <= 0 {
				n = 5
			}
			if n > 10 {
				n = 10
			}
			return client.Search(ctx, q, n)
		},
	)
}

// ===================================
// Current Time Tool
// ===================================

type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty"`
}

type CurrentTimeOutput struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Weekday  string `json:"weekday"`
}

// NewCurrentTimeTool reports the current time. now may be nil.
func NewCurrentTimeTool(now func() time.Time) tool.InvokableTool {
	if now == nil {
		now = time.Now
	}
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolCurrentTime,
			Desc: "Get the current date and time, optionally in an IANA timezone such as Asia/Seoul.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"timezone": {
					Type: "string",
					Desc: "IANA timezone name (default: UTC)",
				},
			}),
		},
		func(ctx context.Context, in *CurrentTimeInput) (*CurrentTimeOutput, error) {
			tz := strings.TrimSpace(in.Timezone)
			if tz == "" {
				tz = "UTC"
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", tz)
			}
			t := now().In(loc)
			return &CurrentTimeOutput{
				Time:     t.Format(time.RFC3339),
				Timezone: tz,
				Weekday:  t.Weekday().String(),
			}, nil
		},
	)
}
