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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft/pkg/correlation"
	"github.com/teradata-labs/weft/pkg/resilience"
	"github.com/teradata-labs/weft/pkg/types"
)

func TestExecutePlanRunsDependenciesInOrder(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var order []string
	record := func(name, text string) func(map[string]any) map[string]any {
		return func(map[string]any) map[string]any {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]any{"result": text}
		}
	}
	h.registerAgent(t, "geo-1", "geo.lookup", record("geo", "Tokyo, JP"))
	h.registerAgent(t, "weather-1", "weather.get", record("weather", "22C"))

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "geo.lookup"},
		{TaskID: "task-2", Capability: "weather.get", Dependencies: []string{"task-1"}},
	}}
	require.NoError(t, plan.Validate())

	results := h.orch.executePlan(context.Background(), "", "s-1", "u-1", plan)
	require.Len(t, results, 2)
	assert.True(t, results[0].Succeeded())
	assert.True(t, results[1].Succeeded())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"geo", "weather"}, order,
		"the dependent task must not dispatch before its dependency settles")
}

func TestExecutePlanCascadesDependencyFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent(t, "geo-1", "geo.lookup", errPayload("no such place"))
	weatherCalls := h.registerAgent(t, "weather-1", "weather.get", okPayload("22C"))
	travelCalls := h.registerAgent(t, "travel-1", "travel.plan", okPayload("itinerary"))

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "geo.lookup"},
		{TaskID: "task-2", Capability: "weather.get", Dependencies: []string{"task-1"}},
		{TaskID: "task-3", Capability: "travel.plan", Dependencies: []string{"task-2"}},
	}}

	results := h.orch.executePlan(context.Background(), "", "s-1", "u-1", plan)
	require.Len(t, results, 3)

	assert.True(t, types.IsKind(results[0].Err, types.ErrKindAgentFailure))
	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), `dependency "task-1" failed`)
	require.Error(t, results[2].Err)
	assert.Contains(t, results[2].Err.Error(), `dependency "task-2" failed`)

	assert.Equal(t, int64(0), weatherCalls.Load(), "dependents of a failed task never dispatch")
	assert.Equal(t, int64(0), travelCalls.Load())
}

func TestExecutePlanRoutesToAlternateAgent(t *testing.T) {
	h := newHarness(t, nil)
	primaryCalls := h.registerAgent(t, "stock-a", "stock.price", errPayload("backend down"))
	backupCalls := h.registerAgent(t, "stock-b", "stock.price", okPayload("$42.17"))

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "stock.price"},
	}}

	results := h.orch.executePlan(context.Background(), "", "s-1", "u-1", plan)
	require.Len(t, results, 1)

	r := results[0]
	require.True(t, r.Succeeded(), "backup agent should have served the task: %v", r.Err)
	assert.Equal(t, "stock-b", r.AgentID)
	assert.Equal(t, "$42.17", r.Payload["result"])
	assert.Equal(t, 4, r.Attempts, "three attempts on the primary, one on the backup")
	assert.Equal(t, int64(3), primaryCalls.Load())
	assert.Equal(t, int64(1), backupCalls.Load())
}

func TestExecutePlanBreakerShortCircuitsPrimary(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Breakers = resilience.NewBreakerManager(resilience.BreakerConfig{
			FailureThreshold: 1,
			Logger:           zaptest.NewLogger(t),
		})
	})
	primaryCalls := h.registerAgent(t, "stock-a", "stock.price", errPayload("backend down"))
	backupCalls := h.registerAgent(t, "stock-b", "stock.price", okPayload("$42.17"))

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "stock.price"},
	}}

	results := h.orch.executePlan(context.Background(), "", "s-1", "u-1", plan)
	require.Len(t, results, 1)

	r := results[0]
	require.True(t, r.Succeeded(), "unexpected failure: %v", r.Err)
	assert.Equal(t, "stock-b", r.AgentID)
	assert.Equal(t, 2, r.Attempts, "the open breaker blocks the retry before it dispatches")
	assert.Equal(t, int64(1), primaryCalls.Load())
	assert.Equal(t, int64(1), backupCalls.Load())
	assert.Equal(t, resilience.StateOpen, h.orch.Breakers().For("stock-a").State())
}

func TestExecutePlanFailsWhenNoAgentServesCapability(t *testing.T) {
	h := newHarness(t, nil)

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "stock.price"},
	}}

	results := h.orch.executePlan(context.Background(), "", "s-1", "u-1", plan)
	require.Len(t, results, 1)
	assert.True(t, types.IsKind(results[0].Err, types.ErrKindCapabilityMissing))
	assert.Zero(t, results[0].Attempts)
}

func TestExecutePlanCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	calls := h.registerAgent(t, "weather-1", "weather.get", okPayload("22C"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "weather.get"},
	}}

	results := h.orch.executePlan(ctx, "", "s-1", "u-1", plan)
	require.Len(t, results, 1)
	assert.True(t, types.IsKind(results[0].Err, types.ErrKindCancelled))
	assert.Equal(t, int64(0), calls.Load())
}

func TestExecutePlanLinksTasksToTurnCorrelation(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent(t, "weather-1", "weather.get", okPayload("22C"))

	require.NoError(t, h.tracker.Create("root-1", "turn", time.Minute))

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "weather.get"},
	}}
	results := h.orch.executePlan(context.Background(), "root-1", "s-1", "u-1", plan)
	require.Len(t, results, 1)
	require.True(t, results[0].Succeeded())

	// The task correlation is a child of the turn: cancelling the tree
	// after completion is a no-op, but the lineage exists.
	require.NoError(t, h.tracker.CancelTree("root-1"))
	state, ok := h.tracker.State(results[0].CorrelationID)
	require.True(t, ok)
	assert.Equal(t, correlation.StateCompleted, state)
}

func TestExecutePlanRespectsTaskTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.TaskTimeout = 10 * time.Second
		cfg.Retrier = resilience.NewRetrier(resilience.RetrierConfig{
			MaxRetries: 0,
			Delay:      time.Millisecond,
			Logger:     zaptest.NewLogger(t),
		})
	})
	// An agent that swallows requests: only the timeout settles the task.
	require.NoError(t, h.registry.Register(&types.AgentRegistration{
		AgentID:       "mute-1",
		AgentType:     "mute",
		Capabilities:  []string{"mute.work"},
		EndpointTopic: "task.request.mute.work.mute-1",
	}))
	_, err := h.bus.Subscribe("mute-1", "task.request.mute.work.mute-1",
		func(context.Context, types.Event) error { return nil })
	require.NoError(t, err)

	plan := types.TaskPlan{Tasks: []types.TaskSpec{
		{TaskID: "task-1", Capability: "mute.work", Timeout: 50 * time.Millisecond},
	}}

	start := time.Now()
	results := h.orch.executePlan(context.Background(), "", "s-1", "u-1", plan)
	require.Len(t, results, 1)

	// Every attempt timed out, so the task settles as an agent failure
	// wrapping the timeout.
	assert.True(t, types.IsKind(results[0].Err, types.ErrKindAgentFailure), "got %v", results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second,
		"the per-task timeout cuts each await short, not the 10s default")
}
