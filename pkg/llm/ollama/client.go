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

// Package ollama binds llm.Provider to a local Ollama daemon via its
// /api/generate endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/teradata-labs/weft/pkg/llm"
)

const (
	// DefaultEndpoint is the Ollama daemon's default listen address.
	DefaultEndpoint = "http://localhost:11434"
	// DefaultModel is a small model that runs on commodity hardware.
	DefaultModel = "gemma:2b"
	// DefaultMaxTokens caps generation length.
	DefaultMaxTokens = 2048
	// DefaultTemperature is Ollama's own generation default.
	DefaultTemperature = 0.8
	// DefaultTimeout allows for slow local inference.
	DefaultTimeout = 120 * time.Second
)

// Client talks to an Ollama daemon.
type Client struct {
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// Config holds configuration for the Ollama client.
type Config struct {
	Endpoint    string        // Default: http://localhost:11434
	Model       string        // Default: gemma:2b
	MaxTokens   int           // Default: 2048
	Temperature float64       // Default: 0.8
	Timeout     time.Duration // Default: 120s
}

// NewClient creates an Ollama client with defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
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

	return &Client{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "ollama"
}

// Model returns the default model identifier.
func (c *Client) Model() string {
	return c.model
}

// Generate sends a single prompt to /api/generate and returns the completion.
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

	apiReq := generateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: llm.ParamFloat(req.Params, "temperature", c.temperature),
			NumPredict:  llm.ParamInt(req.Params, "max_tokens", c.maxTokens),
		},
	}

	apiResp, err := c.callAPI(ctx, &apiReq)
	if err != nil {
		return llm.Response{}, err
	}

	respModel := apiResp.Model
	if respModel == "" {
		respModel = model
	}

	return llm.Response{
		Text:         apiResp.Response,
		Model:        respModel,
		InputTokens:  apiResp.PromptEvalCount,
		OutputTokens: apiResp.EvalCount,
	}, nil
}

// GenerateBatch issues the requests one at a time; Ollama has no batch API.
func (c *Client) GenerateBatch(ctx context.Context, reqs []llm.Request) ([]llm.Response, error) {
	return llm.GenerateSequential(ctx, c, reqs)
}

// callAPI makes the HTTP request to Ollama.
func (c *Client) callAPI(ctx context.Context, req *generateRequest) (*generateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.InvalidOutput("failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, llm.Unavailable("failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.WrapTransport("ollama call failed", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, llm.Unavailable("failed to read response", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, llm.Unavailable(fmt.Sprintf("API error (status %d): %s", httpResp.StatusCode, string(respBody)), nil)
	}

	var apiResp generateResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, llm.InvalidOutput("failed to parse response", err)
	}

	return &apiResp, nil
}

// Ollama /api/generate wire format.

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

var _ llm.Provider = (*Client)(nil)
