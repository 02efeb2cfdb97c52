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
package resilience

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft/pkg/types"
)

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"llm unavailable", types.NewError(types.ErrKindLLMUnavailable, "down"), CategoryLLMFailure},
		{"llm invalid output", types.NewError(types.ErrKindLLMInvalidOutput, "garbled"), CategoryLLMFailure},
		{"validation", types.NewError(types.ErrKindValidation, "bad plan"), CategoryOrchestrationFailure},
		{"agent failure", types.NewError(types.ErrKindAgentFailure, "crashed"), CategoryAgentFailure},
		{"circuit open", types.NewError(types.ErrKindCircuitOpen, "rejected"), CategoryAgentFailure},
		{"capability missing", types.NewError(types.ErrKindCapabilityMissing, "nobody home"), CategoryAgentFailure},
		{"timeout", types.NewError(types.ErrKindTimeout, "too slow"), CategoryAgentFailure},
		{"untagged", errors.New("mystery"), CategoryGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryFor(tt.err))
		})
	}
}

func TestEmergencyTemplatesRender(t *testing.T) {
	e := NewEmergencyTemplates(zaptest.NewLogger(t))

	assert.Contains(t, e.Render(CategoryLLMFailure), "language model")
	assert.Equal(t, e.Render(CategoryGeneral), e.Render("no-such-category"))
	assert.NotEmpty(t, e.Render(CategoryAgentFailure))

	got := e.RenderFor(types.NewError(types.ErrKindLLMUnavailable, "down"))
	assert.Equal(t, e.Render(CategoryLLMFailure), got)
}

func TestEmergencyTemplatesUpdate(t *testing.T) {
	e := NewEmergencyTemplates(zaptest.NewLogger(t))
	builtin := e.Render(CategoryAgentFailure)

	e.Update(map[string]string{
		CategoryAgentFailure: "Our helpers are napping. Back soon.",
		CategoryGeneral:      "", // empty overrides are ignored
	})
	assert.Equal(t, "Our helpers are napping. Back soon.", e.Render(CategoryAgentFailure))
	assert.Equal(t, defaultTemplates[CategoryGeneral], e.Render(CategoryGeneral))

	// A reload without the override reverts to the built-in text.
	e.Update(nil)
	assert.Equal(t, builtin, e.Render(CategoryAgentFailure))
}
