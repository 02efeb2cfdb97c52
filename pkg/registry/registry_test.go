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
package registry

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft/pkg/bus"
	"github.com/teradata-labs/weft/pkg/types"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	r := New(cfg)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testAgent(id, agentType string, caps ...string) *types.AgentRegistration {
	return &types.AgentRegistration{
		AgentID:       id,
		AgentType:     agentType,
		Capabilities:  caps,
		EndpointTopic: types.TaskRequestTopic(caps[0]),
		Status:        types.StatusActive,
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t, Config{})

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&types.AgentRegistration{AgentType: "weather"}))
	assert.Error(t, r.Register(&types.AgentRegistration{AgentID: "w-1"}))
}

func TestRegisterAndLookup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, Config{Clock: clock})

	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get", "weather.forecast")))
	require.NoError(t, r.Register(testAgent("s-1", "stock", "stock.price")))
	assert.Equal(t, 2, r.Count())

	got, ok := r.Get("w-1")
	require.True(t, ok)
	assert.Equal(t, "weather", got.AgentType)
	assert.Equal(t, clock.Now(), got.RegisteredAt)
	assert.Equal(t, clock.Now(), got.LastHeartbeat)

	byCap := r.FindByCapability("weather.forecast")
	require.Len(t, byCap, 1)
	assert.Equal(t, "w-1", byCap[0].AgentID)

	byType := r.FindByType("stock")
	require.Len(t, byType, 1)
	assert.Equal(t, "s-1", byType[0].AgentID)

	all := r.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "s-1", all[0].AgentID)
	assert.Equal(t, "w-1", all[1].AgentID)

	assert.Equal(t, []string{"stock.price", "weather.forecast", "weather.get"}, r.Capabilities())
}

func TestReregisterKeepsSeniority(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, Config{Clock: clock})

	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get")))
	first, _ := r.Get("w-1")

	clock.Advance(10 * time.Minute)
	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get", "weather.forecast")))

	got, ok := r.Get("w-1")
	require.True(t, ok)
	assert.Equal(t, first.RegisteredAt, got.RegisteredAt)
	assert.Equal(t, clock.Now(), got.LastHeartbeat)
	assert.Len(t, got.Capabilities, 2)
}

func TestDeregisterRemovesAllIndices(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get")))
	require.NoError(t, r.Deregister("w-1"))
	assert.Error(t, r.Deregister("w-1"))

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.FindByCapability("weather.get"))
	assert.Empty(t, r.FindByType("weather"))
	assert.Empty(t, r.Capabilities())
}

func TestHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, Config{Clock: clock})

	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get")))
	assert.Error(t, r.Heartbeat("ghost"))

	clock.Advance(time.Minute)
	require.NoError(t, r.Heartbeat("w-1"))
	got, _ := r.Get("w-1")
	assert.Equal(t, clock.Now(), got.LastHeartbeat)

	// INACTIVE recovers on heartbeat; FAILED stays until UpdateStatus.
	require.NoError(t, r.UpdateStatus("w-1", types.StatusInactive))
	require.NoError(t, r.Heartbeat("w-1"))
	got, _ = r.Get("w-1")
	assert.Equal(t, types.StatusActive, got.Status)

	require.NoError(t, r.UpdateStatus("w-1", types.StatusFailed))
	require.NoError(t, r.Heartbeat("w-1"))
	got, _ = r.Get("w-1")
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestSelectAgentSeniorityAndTieBreak(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, Config{Clock: clock})

	// "b-old" and "a-old" register at the same instant; "c-new" later.
	require.NoError(t, r.Register(testAgent("b-old", "weather", "weather.get")))
	require.NoError(t, r.Register(testAgent("a-old", "weather", "weather.get")))
	clock.Advance(time.Minute)
	require.NoError(t, r.Register(testAgent("c-new", "weather", "weather.get")))

	selected, err := r.SelectAgent("weather.get")
	require.NoError(t, err)
	assert.Equal(t, "a-old", selected.AgentID)

	selected, err = r.SelectAgent("weather.get", "a-old")
	require.NoError(t, err)
	assert.Equal(t, "b-old", selected.AgentID)

	selected, err = r.SelectAgent("weather.get", "a-old", "b-old")
	require.NoError(t, err)
	assert.Equal(t, "c-new", selected.AgentID)

	_, err = r.SelectAgent("weather.get", "a-old", "b-old", "c-new")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindCapabilityMissing))
}

func TestSelectAgentSkipsInactiveAndGated(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gated := map[string]bool{"w-1": true}
	r := newTestRegistry(t, Config{
		Clock: clock,
		Gate:  func(agentID string) bool { return !gated[agentID] },
	})

	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get")))
	clock.Advance(time.Second)
	require.NoError(t, r.Register(testAgent("w-2", "weather", "weather.get")))

	// w-1 is senior but its breaker is open.
	selected, err := r.SelectAgent("weather.get")
	require.NoError(t, err)
	assert.Equal(t, "w-2", selected.AgentID)

	gated["w-1"] = false
	require.NoError(t, r.UpdateStatus("w-2", types.StatusBusy))
	selected, err = r.SelectAgent("weather.get")
	require.NoError(t, err)
	assert.Equal(t, "w-1", selected.AgentID)

	_, err = r.SelectAgent("nosuch.capability")
	assert.True(t, types.IsKind(err, types.ErrKindCapabilityMissing))
}

func TestMatchPlan(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get")))
	require.NoError(t, r.Register(testAgent("t-1", "travel", "travel.plan")))

	result := r.MatchPlan([]string{"weather.get", "travel.plan"})
	assert.True(t, result.Complete())
	assert.Equal(t, "w-1", result.Matches["weather.get"].AgentID)
	assert.Equal(t, "t-1", result.Matches["travel.plan"].AgentID)

	result = r.MatchPlan([]string{"weather.get", "stock.price", "calendar.read"})
	assert.False(t, result.Complete())
	assert.Equal(t, []string{"calendar.read", "stock.price"}, result.Missing)
	assert.Len(t, result.Matches, 1)
}

func TestSweepEvictsStaleAgents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := bus.New(bus.Config{Logger: zaptest.NewLogger(t), Clock: clock})
	defer func() { _ = b.Stop(context.Background()) }()

	r := newTestRegistry(t, Config{Clock: clock, StaleTimeout: 5 * time.Minute})
	require.NoError(t, r.AttachBus(b))

	evicted := make(chan types.Event, 1)
	_, err := b.Subscribe("monitor", types.TopicRegistryEvicted, func(_ context.Context, evt types.Event) error {
		evicted <- evt
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, r.Register(testAgent("w-1", "weather", "weather.get")))
	clock.Advance(4 * time.Minute)
	require.NoError(t, r.Register(testAgent("w-2", "weather", "weather.get")))

	// w-1 is now 4m stale, w-2 fresh. Another 2m pushes w-1 past the cutoff.
	clock.Advance(2 * time.Minute)
	r.sweepStale()

	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("w-1")
	assert.False(t, ok)
	_, ok = r.Get("w-2")
	assert.True(t, ok)

	select {
	case evt := <-evicted:
		assert.Equal(t, "w-1", evt.Payload["agentId"])
		assert.Equal(t, "stale", evt.Payload["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for eviction event")
	}
}

func TestBusAttachmentHandlesRegisterAndHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := bus.New(bus.Config{Logger: zaptest.NewLogger(t), Clock: clock})
	defer func() { _ = b.Stop(context.Background()) }()

	r := newTestRegistry(t, Config{Clock: clock})
	require.NoError(t, r.AttachBus(b))

	require.NoError(t, b.Publish(context.Background(), types.Event{
		Topic:  types.TopicRegistryRegister,
		Sender: "w-remote",
		Payload: map[string]any{
			"agentId":       "w-remote",
			"agentType":     "weather",
			"capabilities":  []any{"weather.get"},
			"endpointTopic": "task.request.weather.get",
		},
	}))

	require.Eventually(t, func() bool {
		_, ok := r.Get("w-remote")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	clock.Advance(time.Minute)
	require.NoError(t, b.Publish(context.Background(), types.Event{
		Topic:   types.TopicRegistryHeartbeat,
		Sender:  "w-remote",
		Payload: map[string]any{"agentId": "w-remote"},
	}))

	require.Eventually(t, func() bool {
		got, ok := r.Get("w-remote")
		return ok && got.LastHeartbeat.Equal(clock.Now())
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	assert.Equal(t, 0, b.Stats().Subscriptions)
}
