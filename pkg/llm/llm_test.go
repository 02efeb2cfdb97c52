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
package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/weft/pkg/types"
)

func TestRequestValidate(t *testing.T) {
	assert.Error(t, Request{}.Validate())
	assert.Error(t, Request{Prompt: "   "}.Validate())
	assert.True(t, types.IsKind(Request{}.Validate(), types.ErrKindValidation))
	assert.NoError(t, Request{Prompt: "plan this"}.Validate())
}

func TestErrorTagging(t *testing.T) {
	cause := errors.New("connection refused")

	assert.True(t, types.IsKind(Unavailable("upstream down", cause), types.ErrKindLLMUnavailable))
	assert.True(t, types.IsKind(Unavailable("upstream down", nil), types.ErrKindLLMUnavailable))
	assert.True(t, types.IsKind(Timeout("deadline elapsed", nil), types.ErrKindTimeout))
	assert.True(t, types.IsKind(InvalidOutput("not JSON", nil), types.ErrKindLLMInvalidOutput))

	// The cause stays reachable through the wrap chain.
	assert.ErrorIs(t, Unavailable("upstream down", cause), cause)
}

func TestWrapTransportSplitsOnDeadline(t *testing.T) {
	deadline := fmt.Errorf("Post %q: %w", "http://localhost:11434", context.DeadlineExceeded)
	assert.True(t, types.IsKind(WrapTransport("call failed", deadline), types.ErrKindTimeout))

	refused := errors.New("dial tcp: connection refused")
	assert.True(t, types.IsKind(WrapTransport("call failed", refused), types.ErrKindLLMUnavailable))
}

func TestParamHelpers(t *testing.T) {
	params := map[string]any{
		"temperature": 0.6,
		"max_tokens":  float64(100), // decoded JSON numbers arrive as float64
		"top_k":       40,
		"label":       "not a number",
	}

	assert.InDelta(t, 0.6, ParamFloat(params, "temperature", 1.0), 1e-9)
	assert.InDelta(t, 40.0, ParamFloat(params, "top_k", 1.0), 1e-9)
	assert.InDelta(t, 1.0, ParamFloat(params, "missing", 1.0), 1e-9)
	assert.InDelta(t, 1.0, ParamFloat(params, "label", 1.0), 1e-9)

	assert.Equal(t, 100, ParamInt(params, "max_tokens", 4096))
	assert.Equal(t, 40, ParamInt(params, "top_k", 4096))
	assert.Equal(t, 4096, ParamInt(params, "missing", 4096))
	assert.Equal(t, 4096, ParamInt(nil, "max_tokens", 4096))
}

// stubProvider counts Generate calls and fails on a chosen index.
type stubProvider struct {
	calls   int
	failAt  int
	failErr error
}

func (s *stubProvider) Generate(_ context.Context, req Request) (Response, error) {
	s.calls++
	if s.failErr != nil && s.calls == s.failAt {
		return Response{}, s.failErr
	}
	return Response{Text: "echo: " + req.Prompt, Model: "stub"}, nil
}

func (s *stubProvider) GenerateBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	return GenerateSequential(ctx, s, reqs)
}

func (s *stubProvider) Name() string  { return "stub" }
func (s *stubProvider) Model() string { return "stub" }

func TestGenerateSequential(t *testing.T) {
	reqs := []Request{{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"}}

	ok := &stubProvider{}
	responses, err := GenerateSequential(context.Background(), ok, reqs)
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, "echo: b", responses[1].Text)

	boom := &stubProvider{failAt: 2, failErr: Unavailable("down", nil)}
	responses, err = GenerateSequential(context.Background(), boom, reqs)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindLLMUnavailable))
	assert.Len(t, responses, 1, "stops at first failure")
	assert.Equal(t, 2, boom.calls)
}
