// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anthropic binds llm.Provider to Anthropic's Messages API through
// the official SDK.
package anthropic

import (
	"context"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/teradata-labs/weft/pkg/llm"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 4096
	// DefaultTemperature is the default sampling temperature.
	DefaultTemperature = 1.0
	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 60 * time.Second
)

// Client calls Anthropic's Messages API.
type Client struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
}

// Config holds configuration for the Anthropic client.
type Config struct {
	APIKey      string        // Default: ANTHROPIC_API_KEY environment variable
	Model       string        // Default: claude-sonnet-4-5-20250929
	BaseURL     string        // Override for proxies and tests
	MaxTokens   int           // Default: 4096
	Temperature float64       // Default: 1.0
	Timeout     time.Duration // Default: 60s
}

// NewClient creates an Anthropic client with defaults applied. The SDK reads
// ANTHROPIC_API_KEY from the environment when no key is configured.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); envModel != "" {
			cfg.Model = envModel
		} else {
			cfg.Model = DefaultModel
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "anthropic"
}

// Model returns the default model identifier.
func (c *Client) Model() string {
	return c.model
}

// Generate sends a single-turn message and returns the text completion.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(llm.ParamInt(req.Params, "max_tokens", c.maxTokens)),
		Temperature: anthropic.Float(llm.ParamFloat(req.Params, "temperature", c.temperature)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, llm.WrapTransport("anthropic invocation failed", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return llm.Response{}, llm.InvalidOutput("anthropic returned no text content", nil)
	}

	respModel := string(message.Model)
	if respModel == "" {
		respModel = model
	}

	return llm.Response{
		Text:         text.String(),
		Model:        respModel,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// GenerateBatch issues the requests one at a time.
func (c *Client) GenerateBatch(ctx context.Context, reqs []llm.Request) ([]llm.Response, error) {
	return llm.GenerateSequential(ctx, c, reqs)
}

var _ llm.Provider = (*Client)(nil)
