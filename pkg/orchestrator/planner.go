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
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/resilience"
	"github.com/teradata-labs/weft/pkg/types"
)

// planSchemaJSON accepts either a bare task array or the confidence-wrapped
// object form {confidence, tasks}.
const planSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "oneOf": [
    {"$ref": "#/definitions/taskArray"},
    {
      "type": "object",
      "properties": {
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "tasks": {"$ref": "#/definitions/taskArray"}
      },
      "required": ["tasks"],
      "additionalProperties": false
    }
  ],
  "definitions": {
    "taskArray": {
      "type": "array",
      "items": {"$ref": "#/definitions/task"}
    },
    "task": {
      "type": "object",
      "properties": {
        "task_id": {"type": "string"},
        "capability": {"type": "string", "minLength": 1},
        "params": {"type": "object"},
        "dependencies": {"type": "array", "items": {"type": "string"}},
        "optional": {"type": "boolean"},
        "priority": {"type": "integer"}
      },
      "required": ["capability"],
      "additionalProperties": false
    }
  }
}`

// planRules is the structural contract quoted in planning and reprompt
// prompts.
const planRules = `- reply with a JSON array of task objects, or {"confidence": number, "tasks": [...]}
- each task: {"capability": string, "params": object, "dependencies": optional array, "optional": optional boolean}
- use only capabilities from the provided list
- dependencies reference earlier tasks by "task-<n>", by position number, or by capability`

// planSchema is shared across validations; the document is compiled per call
// in the manner of gojsonschema.Validate.
var planSchema = gojsonschema.NewStringLoader(planSchemaJSON)

// planner turns a user query into a validated TaskPlan, repairing malformed
// LLM output with reprompts before giving up.
type planner struct {
	provider    llm.Provider
	logger      *zap.Logger
	maxAttempts int
	timeout     time.Duration
}

func newPlanner(provider llm.Provider, logger *zap.Logger, maxAttempts int, timeout time.Duration) *planner {
	return &planner{
		provider:    provider,
		logger:      logger,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// planOutcome is the result of one planning round.
type planOutcome struct {
	plan       types.TaskPlan
	confidence float64
	raw        string // validated plan text, suitable for caching
	attempts   int    // reprompt rounds consumed (0 = first answer was valid)
}

// plan asks the LLM for a task plan, repairing schema-invalid output up to
// maxAttempts times. Transport failures abort immediately: a reprompt cannot
// fix an unreachable model.
func (p *planner) plan(ctx context.Context, prompt, query string) (planOutcome, error) {
	out := planOutcome{}

	current := prompt
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		out.attempts = attempt

		resp, err := p.provider.Generate(ctx, llm.Request{Prompt: current, Timeout: p.timeout})
		if err != nil {
			if types.IsKind(err, types.ErrKindLLMInvalidOutput) {
				lastErr = err
				current = resilience.BuildReprompt(query, "", planRules)
				continue
			}
			return out, err
		}

		plan, confidence, raw, err := parsePlanText(resp.Text)
		if err == nil {
			out.plan = plan
			out.confidence = confidence
			out.raw = raw
			return out, nil
		}

		lastErr = err
		p.logger.Warn("plan output invalid",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.maxAttempts),
			zap.Error(err))
		current = resilience.BuildReprompt(query, resp.Text, planRules)
	}

	out.attempts = p.maxAttempts
	return out, llm.InvalidOutput(
		fmt.Sprintf("plan invalid after %d attempts", p.maxAttempts), lastErr)
}

// parsePlanText validates and normalises raw planner output. Returns the
// plan, its confidence (1.0 when absent), and the extracted JSON text.
func parsePlanText(text string) (types.TaskPlan, float64, string, error) {
	raw := extractJSON(text)
	if raw == "" {
		return types.TaskPlan{}, 0, "", llm.InvalidOutput("no JSON found in plan output", nil)
	}

	result, err := gojsonschema.Validate(planSchema, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return types.TaskPlan{}, 0, "", llm.InvalidOutput("plan is not valid JSON", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return types.TaskPlan{}, 0, "", llm.InvalidOutput(
			fmt.Sprintf("plan violates schema: %s", strings.Join(details, "; ")), nil)
	}

	tasks, confidence, err := decodePlan(raw)
	if err != nil {
		return types.TaskPlan{}, 0, "", err
	}

	plan := normalisePlan(tasks)
	if err := plan.Validate(); err != nil {
		return types.TaskPlan{}, 0, "", llm.InvalidOutput("plan failed structural validation", err)
	}
	return plan, confidence, raw, nil
}

type rawTask struct {
	TaskID       string         `json:"task_id"`
	Capability   string         `json:"capability"`
	Params       map[string]any `json:"params"`
	Dependencies []string       `json:"dependencies"`
	Optional     bool           `json:"optional"`
	Priority     int            `json:"priority"`
}

type planEnvelope struct {
	Confidence *float64  `json:"confidence"`
	Tasks      []rawTask `json:"tasks"`
}

func decodePlan(raw string) ([]rawTask, float64, error) {
	trimmed := strings.TrimSpace(raw)
	confidence := 1.0

	if strings.HasPrefix(trimmed, "{") {
		var env planEnvelope
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return nil, 0, llm.InvalidOutput("failed to decode plan object", err)
		}
		if env.Confidence != nil {
			confidence = *env.Confidence
		}
		return env.Tasks, confidence, nil
	}

	var tasks []rawTask
	if err := json.Unmarshal([]byte(trimmed), &tasks); err != nil {
		return nil, 0, llm.InvalidOutput("failed to decode plan array", err)
	}
	return tasks, confidence, nil
}

// normalisePlan assigns positional task IDs where the planner omitted them
// and resolves dependency references (explicit ID, 1-based position, or an
// earlier task's capability) onto task IDs.
func normalisePlan(tasks []rawTask) types.TaskPlan {
	ids := make([]string, len(tasks))
	byID := make(map[string]int, len(tasks))
	byCapability := make(map[string]int, len(tasks))

	for i, t := range tasks {
		id := strings.TrimSpace(t.TaskID)
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		ids[i] = id
		if _, dup := byID[id]; !dup {
			byID[id] = i
		}
		if _, dup := byCapability[t.Capability]; !dup {
			byCapability[t.Capability] = i
		}
	}

	resolve := func(dep string) string {
		dep = strings.TrimSpace(dep)
		if idx, ok := byID[dep]; ok {
			return ids[idx]
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(dep, "task-")); err == nil && n >= 1 && n <= len(tasks) {
			return ids[n-1]
		}
		if idx, ok := byCapability[dep]; ok {
			return ids[idx]
		}
		return dep // left for Validate to reject
	}

	specs := make([]types.TaskSpec, len(tasks))
	for i, t := range tasks {
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, resolve(d))
		}
		if len(deps) == 0 {
			deps = nil
		}
		specs[i] = types.TaskSpec{
			TaskID:       ids[i],
			Capability:   t.Capability,
			Parameters:   t.Params,
			Dependencies: deps,
			Priority:     t.Priority,
			Optional:     t.Optional,
		}
	}
	return types.TaskPlan{Tasks: specs}
}

// extractJSON returns the outermost JSON value in text, tolerating prose and
// markdown fences around it.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return ""
	}
	closer := byte(']')
	if text[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}

// buildPlanningPrompt assembles the planner's input: catalogue, recent
// conversation, query, and the structural rules.
func buildPlanningPrompt(query string, recent []types.Message, capabilities []string) string {
	var sb strings.Builder
	sb.WriteString("You are the planner of an agent mesh. Decompose the user request into tasks for the available agents.\n\n")

	sb.WriteString("Available capabilities:\n")
	if len(capabilities) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, c := range capabilities {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteString("\n")
	}

	if len(recent) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		for _, m := range recent {
			sb.WriteString(m.Sender)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nUser request:\n")
	sb.WriteString(query)

	sb.WriteString("\n\nRules:\n")
	sb.WriteString(planRules)
	sb.WriteString("\n\nReply with ONLY the JSON, no prose.")
	return sb.String()
}

// buildSynthesisPrompt assembles the responder's input from task outcomes.
func buildSynthesisPrompt(query string, results []types.TaskResult) string {
	var sb strings.Builder
	sb.WriteString("You are the voice of an agent mesh. Compose a single helpful reply to the user from the task results below.\n\n")
	sb.WriteString("User request:\n")
	sb.WriteString(query)
	sb.WriteString("\n\nTask results:\n")

	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Capability)
		if r.Succeeded() {
			sb.WriteString(" (ok): ")
			if data, err := json.Marshal(r.Payload); err == nil {
				sb.Write(data)
			}
		} else {
			sb.WriteString(" (failed)")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nMention every successful result. Do not invent data for failed tasks. Reply with plain prose.")
	return sb.String()
}

// buildGeneralPrompt assembles the direct-synthesis input used when no plan
// exists (empty plan or pure-conversation turns).
func buildGeneralPrompt(query string, recent []types.Message) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful assistant fronting an agent mesh. Answer the user directly.\n")

	if len(recent) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		for _, m := range recent {
			sb.WriteString(m.Sender)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nUser request:\n")
	sb.WriteString(query)
	sb.WriteString("\n\nReply with plain prose.")
	return sb.String()
}

// sameCapabilitySet reports whether two plans target the same capabilities,
// ignoring order and multiplicity.
func sameCapabilitySet(a, b types.TaskPlan) bool {
	setOf := func(p types.TaskPlan) []string {
		seen := make(map[string]bool)
		var out []string
		for _, t := range p.Tasks {
			if !seen[t.Capability] {
				seen[t.Capability] = true
				out = append(out, t.Capability)
			}
		}
		sort.Strings(out)
		return out
	}
	as, bs := setOf(a), setOf(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
