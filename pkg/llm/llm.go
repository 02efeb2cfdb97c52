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

// Package llm defines the provider port the orchestrator plans and
// synthesises through. Bindings live in leaf packages (anthropic, bedrock,
// ollama) and tag their failures with runtime error kinds so callers can
// branch on the kind instead of provider internals.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/teradata-labs/weft/pkg/types"
)

// Request describes a single generation call.
type Request struct {
	// Prompt is the full text sent to the model.
	Prompt string

	// Model overrides the binding's default model when set.
	Model string

	// Params carries decoding knobs ("temperature", "max_tokens"). Unknown
	// keys are ignored by bindings.
	Params map[string]any

	// Timeout caps this call; zero means the binding's default applies.
	Timeout time.Duration
}

// Validate reports a tagged validation error for an unusable request.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return types.NewError(types.ErrKindValidation, "prompt is required")
	}
	return nil
}

// Response is the provider-agnostic result of a generation call.
type Response struct {
	// Text is the model output with no provider framing.
	Text string

	// Model is the model that actually served the call.
	Model string

	// InputTokens and OutputTokens are the provider's usage counts, zero
	// when the provider does not report them.
	InputTokens  int
	OutputTokens int
}

// Provider is implemented by every LLM binding.
type Provider interface {
	// Generate produces one completion for req.
	Generate(ctx context.Context, req Request) (Response, error)

	// GenerateBatch produces one completion per request, in request order.
	// It stops at the first failure.
	GenerateBatch(ctx context.Context, reqs []Request) ([]Response, error)

	// Name identifies the binding ("anthropic", "bedrock", "ollama").
	Name() string

	// Model returns the binding's default model identifier.
	Model() string
}

// GenerateSequential implements GenerateBatch for bindings whose upstream
// API has no batch endpoint.
func GenerateSequential(ctx context.Context, p Provider, reqs []Request) ([]Response, error) {
	responses := make([]Response, 0, len(reqs))
	for _, req := range reqs {
		resp, err := p.Generate(ctx, req)
		if err != nil {
			return responses, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// Unavailable tags an upstream availability failure (connection refused,
// non-2xx status, throttling).
func Unavailable(msg string, err error) error {
	if err == nil {
		return types.NewError(types.ErrKindLLMUnavailable, msg)
	}
	return types.WrapError(types.ErrKindLLMUnavailable, msg, err)
}

// Timeout tags a call that ran out of deadline.
func Timeout(msg string, err error) error {
	if err == nil {
		return types.NewError(types.ErrKindTimeout, msg)
	}
	return types.WrapError(types.ErrKindTimeout, msg, err)
}

// InvalidOutput tags output that violated the structure the caller expected.
func InvalidOutput(msg string, err error) error {
	if err == nil {
		return types.NewError(types.ErrKindLLMInvalidOutput, msg)
	}
	return types.WrapError(types.ErrKindLLMInvalidOutput, msg, err)
}

// WrapTransport distinguishes deadline expiry from other transport failures
// so bindings classify HTTP/SDK errors uniformly.
func WrapTransport(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(msg, err)
	}
	return Unavailable(msg, err)
}

// ParamFloat reads a float-valued parameter, accepting ints for callers that
// populate Params from decoded JSON.
func ParamFloat(params map[string]any, key string, fallback float64) float64 {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}

// ParamInt reads an integer-valued parameter. JSON decoding yields float64,
// so fractional values are truncated.
func ParamInt(params map[string]any, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return fallback
	}
}
