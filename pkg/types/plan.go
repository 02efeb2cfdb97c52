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
package types

import (
	"fmt"
	"time"
)

// TaskSpec is one task of a plan: a capability invocation with parameters
// and optional dependencies on earlier tasks.
type TaskSpec struct {
	// TaskID identifies the task within its plan.
	TaskID string `json:"task_id"`

	// Capability is the routing key, e.g. "weather.get".
	Capability string `json:"capability"`

	// Parameters are passed verbatim to the serving agent.
	Parameters map[string]any `json:"params,omitempty"`

	// Dependencies lists TaskIDs that must complete successfully before
	// this task is dispatched. Every entry must refer to an earlier task.
	Dependencies []string `json:"dependencies,omitempty"`

	// Priority orders tasks within a dispatch wave; higher runs first.
	Priority int `json:"priority,omitempty"`

	// Timeout bounds the task's correlation; zero means the default.
	Timeout time.Duration `json:"-"`

	// Optional tasks may be dropped (unknown capability) or fail without
	// marking the turn partial.
	Optional bool `json:"optional,omitempty"`
}

// TaskPlan is an ordered, DAG-structured list of tasks produced by the
// planner and executed by the orchestrator.
type TaskPlan struct {
	Tasks []TaskSpec
}

// Empty reports whether the plan has no tasks.
func (p TaskPlan) Empty() bool { return len(p.Tasks) == 0 }

// Capabilities returns the capability of every task in plan order.
func (p TaskPlan) Capabilities() []string {
	caps := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		caps = append(caps, t.Capability)
	}
	return caps
}

// Validate checks the plan's structural invariants: task IDs are unique
// and non-empty, every capability is non-empty, and each dependency refers
// to an earlier task in the plan. Forward or unknown references make the
// dependency graph cyclic or dangling and are rejected.
func (p TaskPlan) Validate() error {
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.TaskID == "" {
			return NewError(ErrKindValidation, fmt.Sprintf("task %d has empty task_id", i))
		}
		if t.Capability == "" {
			return NewError(ErrKindValidation, fmt.Sprintf("task %q has empty capability", t.TaskID))
		}
		if seen[t.TaskID] {
			return NewError(ErrKindValidation, fmt.Sprintf("duplicate task_id %q", t.TaskID))
		}
		for _, dep := range t.Dependencies {
			if dep == t.TaskID {
				return NewError(ErrKindValidation, fmt.Sprintf("task %q depends on itself", t.TaskID))
			}
			if !seen[dep] {
				return NewError(ErrKindValidation, fmt.Sprintf("task %q depends on %q which is not an earlier task", t.TaskID, dep))
			}
		}
		seen[t.TaskID] = true
	}
	return nil
}

// PlanSource records where a turn's plan came from.
type PlanSource string

const (
	// PlanSourceLLM means the planner LLM produced the plan.
	PlanSourceLLM PlanSource = "llm"

	// PlanSourceCache means the plan text was served from the response cache.
	PlanSourceCache PlanSource = "cache"

	// PlanSourceKeyword means the keyword router produced the plan.
	PlanSourceKeyword PlanSource = "keyword"

	// PlanSourceNone means no plan was produced and the reply came from
	// direct LLM synthesis.
	PlanSourceNone PlanSource = "none"
)

// TaskResult is the canonical outcome of one dispatched task. There is
// exactly one result shape in the runtime; components must not define
// parallel variants.
type TaskResult struct {
	// TaskID is the plan task this result answers.
	TaskID string

	// Capability the task was dispatched under.
	Capability string

	// AgentID that served (or last attempted) the task.
	AgentID string

	// CorrelationID of the task's request/response exchange.
	CorrelationID string

	// Payload is the agent's response body; nil on failure.
	Payload map[string]any

	// Err is non-nil when the task failed after all retries and
	// alternates. Inspect with KindOf for the failure category.
	Err error

	// Attempts counts dispatch attempts across agents.
	Attempts int

	// Duration is wall time from first dispatch to terminal outcome.
	Duration time.Duration
}

// Succeeded reports whether the task produced a payload.
func (r TaskResult) Succeeded() bool { return r.Err == nil }

// TurnResult is the canonical outcome of one orchestrated user turn.
type TurnResult struct {
	// Answer is the final natural-language reply. Always well-formed
	// prose, never a raw error.
	Answer string

	// SessionID the turn belongs to.
	SessionID string

	// Partial is true when at least one non-optional task failed or the
	// turn degraded to an emergency template.
	Partial bool

	// Errors lists user-readable failure notices, one per failed task.
	Errors []string

	// TaskResults holds the per-task outcomes in plan order.
	TaskResults []TaskResult

	// RepromptAttempts counts LLM repair rounds consumed by the planner.
	RepromptAttempts int

	// PlanSource records where the executed plan came from.
	PlanSource PlanSource
}
