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
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/types"
)

// Failure categories keying emergency response templates.
const (
	CategoryLLMFailure           = "llm_failure"
	CategoryOrchestrationFailure = "orchestration_failure"
	CategoryAgentFailure         = "agent_failure"
	CategoryGeneral              = "general"
)

// defaultTemplates ship compiled in; vocabulary-file reloads override them.
var defaultTemplates = map[string]string{
	CategoryLLMFailure:           "I'm having trouble reaching my language model right now. Please try again in a moment.",
	CategoryOrchestrationFailure: "I couldn't coordinate the services needed for your request. Please try again.",
	CategoryAgentFailure:         "Some of the services I rely on are unavailable right now. Please try again shortly.",
	CategoryGeneral:              "Something went wrong while handling your request. Please try again.",
}

// CategoryFor maps a failure to its emergency template category.
func CategoryFor(err error) string {
	switch types.KindOf(err) {
	case types.ErrKindLLMUnavailable, types.ErrKindLLMInvalidOutput:
		return CategoryLLMFailure
	case types.ErrKindValidation, types.ErrKindFatalConfig:
		return CategoryOrchestrationFailure
	case types.ErrKindAgentFailure, types.ErrKindCircuitOpen,
		types.ErrKindCapabilityMissing, types.ErrKindTimeout,
		types.ErrKindTransport:
		return CategoryAgentFailure
	default:
		return CategoryGeneral
	}
}

// EmergencyTemplates serves the canned replies used when the pipeline cannot
// produce a real answer. Safe for concurrent Render and Update.
type EmergencyTemplates struct {
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]string
}

// NewEmergencyTemplates creates the template set with built-in defaults.
func NewEmergencyTemplates(logger *zap.Logger) *EmergencyTemplates {
	if logger == nil {
		logger = zap.NewNop()
	}
	templates := make(map[string]string, len(defaultTemplates))
	for k, v := range defaultTemplates {
		templates[k] = v
	}
	return &EmergencyTemplates{logger: logger, templates: templates}
}

// Update replaces templates with the defaults overlaid by the non-empty
// overrides. Called on every vocabulary-file reload, so a removed override
// falls back to the built-in text.
func (e *EmergencyTemplates) Update(overrides map[string]string) {
	merged := make(map[string]string, len(defaultTemplates)+len(overrides))
	for k, v := range defaultTemplates {
		merged[k] = v
	}
	applied := 0
	for k, v := range overrides {
		if v == "" {
			continue
		}
		merged[k] = v
		applied++
	}

	e.mu.Lock()
	e.templates = merged
	e.mu.Unlock()

	if applied > 0 {
		e.logger.Info("emergency templates updated", zap.Int("overrides", applied))
	}
}

// Render returns the template for the category, falling back to general.
func (e *EmergencyTemplates) Render(category string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if t, ok := e.templates[category]; ok {
		return t
	}
	if t, ok := e.templates[CategoryGeneral]; ok {
		return t
	}
	return defaultTemplates[CategoryGeneral]
}

// RenderFor renders the template matching err's failure category.
func (e *EmergencyTemplates) RenderFor(err error) string {
	return e.Render(CategoryFor(err))
}
