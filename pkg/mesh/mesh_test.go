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
package mesh

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft/pkg/bus"
	"github.com/teradata-labs/weft/pkg/cache"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/llm/llmtest"
	"github.com/teradata-labs/weft/pkg/resilience"
	"github.com/teradata-labs/weft/pkg/transport"
	"github.com/teradata-labs/weft/pkg/types"
)

// planningMarker routes the scripted provider: planning prompts carry it,
// synthesis and general prompts do not.
const planningMarker = "Decompose the user request"

type meshHarness struct {
	mesh     *Mesh
	provider *llmtest.Provider
}

func newMeshHarness(t *testing.T, mutate func(*Config)) *meshHarness {
	t.Helper()
	provider := llmtest.New("plan-model")

	cfg := Config{
		Provider: provider,
		Logger:   zaptest.NewLogger(t),
	}
	cfg.Retry.Delay = time.Millisecond
	cfg.Orchestrator.TaskTimeout = 300 * time.Millisecond
	cfg.Orchestrator.TurnTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	return &meshHarness{mesh: m, provider: provider}
}

// registerAgent wires an in-process agent: a registry entry plus a bus
// subscription on its own endpoint topic that answers every task request
// with respond's payload.
func (h *meshHarness) registerAgent(t *testing.T, id, capability string, respond func(params map[string]any) map[string]any) *atomic.Int64 {
	t.Helper()
	calls := &atomic.Int64{}
	topic := types.TaskRequestTopic(capability) + "." + id

	require.NoError(t, h.mesh.Registry().Register(&types.AgentRegistration{
		AgentID:       id,
		AgentType:     strings.SplitN(capability, ".", 2)[0],
		Capabilities:  []string{capability},
		EndpointTopic: topic,
	}))

	_, err := h.mesh.Bus().Subscribe(id, topic, func(ctx context.Context, evt types.Event) error {
		calls.Add(1)
		params, _ := evt.Payload["params"].(map[string]any)
		return h.mesh.Bus().Publish(ctx, types.Event{
			Topic:         types.TaskResponseTopic(capability),
			Payload:       respond(params),
			Sender:        id,
			CorrelationID: evt.CorrelationID,
		})
	})
	require.NoError(t, err)
	return calls
}

func okPayload(text string) func(map[string]any) map[string]any {
	return func(map[string]any) map[string]any {
		return map[string]any{"result": text}
	}
}

func errPayload(msg string) func(map[string]any) map[string]any {
	return func(map[string]any) map[string]any {
		return map[string]any{"error": msg}
	}
}

// scriptProvider answers planning prompts with planJSON and everything else
// with synthesis.
func (h *meshHarness) scriptProvider(planJSON, synthesis string) {
	h.provider.Respond(func(_ context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, planningMarker) {
			return planJSON, nil
		}
		return synthesis, nil
	})
}

// collectResponses subscribes a frontend to user.response and buffers what
// arrives.
func (h *meshHarness) collectResponses(t *testing.T) <-chan types.Event {
	t.Helper()
	ch := make(chan types.Event, 4)
	_, err := h.mesh.Bus().Subscribe("frontend", types.TopicUserResponse, func(_ context.Context, evt types.Event) error {
		select {
		case ch <- evt:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	return ch
}

func awaitResponse(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a user response")
		return types.Event{}
	}
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM provider is required")
}

func TestStartTwiceFails(t *testing.T) {
	h := newMeshHarness(t, nil)

	err := h.mesh.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestStopIsIdempotent(t *testing.T) {
	m, err := New(Config{
		Provider: llmtest.New(""),
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
}

// TestUserRequestRoundTrip drives a full multi-agent turn the way a remote
// frontend would: publish user.request, read user.response off the bus, and
// check the correlation ledger afterwards.
func TestUserRequestRoundTrip(t *testing.T) {
	h := newMeshHarness(t, nil)
	weatherCalls := h.registerAgent(t, "weather-1", "weather.get", okPayload("22C and sunny"))
	travelCalls := h.registerAgent(t, "travel-1", "travel.plan", okPayload("3-day itinerary ready"))
	h.scriptProvider(
		`[{"capability":"weather.get","params":{"city":"Tokyo"}},{"capability":"travel.plan","dependencies":["task-1"]}]`,
		"Tokyo is 22C and sunny, and your 3-day itinerary is ready.")

	responses := h.collectResponses(t)
	require.NoError(t, h.mesh.Bus().Publish(context.Background(), types.Event{
		Topic:         types.TopicUserRequest,
		Sender:        "frontend",
		CorrelationID: "front-1",
		Delivery:      types.AtLeastOnce,
		Payload: map[string]any{
			"query":     "Plan a trip to Tokyo and check the weather",
			"sessionId": "s-tokyo",
			"userId":    "u-1",
		},
	}))

	evt := awaitResponse(t, responses)
	assert.Equal(t, "front-1", evt.CorrelationID)
	assert.Equal(t, senderID, evt.Sender)
	assert.Equal(t, "s-tokyo", evt.Payload["sessionId"])
	assert.Equal(t, false, evt.Payload["partial"])
	assert.Empty(t, evt.Payload["errors"])

	answer, ok := evt.Payload["answer"].(string)
	require.True(t, ok)
	assert.Equal(t, "Tokyo is 22C and sunny, and your 3-day itinerary is ready.", answer)
	assert.Equal(t, int64(1), weatherCalls.Load())
	assert.Equal(t, int64(1), travelCalls.Load())

	stats := h.mesh.Tracker().Stats()
	assert.Equal(t, uint64(3), stats.Created)
	assert.Equal(t, uint64(3), stats.Completed)
	assert.Equal(t, uint64(0), stats.TimedOut)
	assert.Equal(t, uint64(0), stats.Cancelled)
}

func TestRepromptRepairsPlan(t *testing.T) {
	h := newMeshHarness(t, nil)
	h.registerAgent(t, "weather-1", "weather.get", okPayload("22C"))

	h.provider.Enqueue("I think the best plan would be to check the weather!")
	h.provider.Enqueue(`[{"capability":"weather.get"}]`)
	h.provider.Respond(func(context.Context, llm.Request) (string, error) {
		return "It is 22C out there.", nil
	})

	res, err := h.mesh.HandleTurn(context.Background(), "weather in Tokyo", "s-2", "u-2")
	require.NoError(t, err)

	assert.Equal(t, 1, res.RepromptAttempts)
	assert.Equal(t, types.PlanSourceLLM, res.PlanSource)
	assert.False(t, res.Partial)
	assert.Equal(t, "It is 22C out there.", res.Answer)

	// The repair round embeds the malformed reply for the model to fix.
	calls := h.provider.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Contains(t, calls[1].Prompt, "not a valid task plan")
	assert.Contains(t, calls[1].Prompt, "best plan would be")
}

// TestBreakerOpensFailsOverAndRecloses walks one agent through the full
// breaker lifecycle: five recorded failures open it, the backup agent keeps
// answering while it is open, and a successful probe after the cooldown
// closes it again.
func TestBreakerOpensFailsOverAndRecloses(t *testing.T) {
	h := newMeshHarness(t, func(cfg *Config) {
		cfg.Breakers.Cooldown = 50 * time.Millisecond
	})

	var healthy atomic.Bool
	primaryCalls := h.registerAgent(t, "stock-1", "stock.price", func(map[string]any) map[string]any {
		if healthy.Load() {
			return map[string]any{"result": "42.17 USD"}
		}
		return map[string]any{"error": "stock feed down"}
	})
	backupCalls := h.registerAgent(t, "stock-2", "stock.price", okPayload("42.17 USD (backup)"))
	h.scriptProvider(
		`[{"capability":"stock.price","params":{"symbol":"TDC"}}]`,
		"TDC trades at 42.17 USD.")

	turn := func() types.TurnResult {
		res, err := h.mesh.HandleTurn(context.Background(), "TDC stock price", "s-3", "u-3")
		require.NoError(t, err)
		return res
	}

	// Turn 1: three failed attempts on the primary, then the backup serves.
	res := turn()
	assert.False(t, res.Partial)
	assert.Equal(t, int64(3), primaryCalls.Load())
	assert.Equal(t, int64(1), backupCalls.Load())
	assert.Equal(t, resilience.StateClosed, h.mesh.Breakers().States()["stock-1"])

	// Turn 2: failures four and five open the breaker mid-turn; the third
	// attempt is rejected at the breaker, so the primary is not called again.
	res = turn()
	assert.False(t, res.Partial)
	assert.Equal(t, int64(5), primaryCalls.Load())
	assert.Equal(t, int64(2), backupCalls.Load())
	assert.Equal(t, resilience.StateOpen, h.mesh.Breakers().States()["stock-1"])

	// Past the cooldown a recovered primary wins the probe and the breaker
	// closes.
	healthy.Store(true)
	time.Sleep(80 * time.Millisecond)

	res = turn()
	assert.False(t, res.Partial)
	assert.Contains(t, res.Answer, "42.17 USD")
	assert.Equal(t, int64(6), primaryCalls.Load())
	assert.Equal(t, int64(2), backupCalls.Load())
	assert.Equal(t, resilience.StateClosed, h.mesh.Breakers().States()["stock-1"])
}

// TestRepeatedQuestionServedFromCache asks the same question in two fresh
// sessions: the second turn must not reach the provider at all.
func TestRepeatedQuestionServedFromCache(t *testing.T) {
	h := newMeshHarness(t, nil)
	h.provider.Respond(func(_ context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, planningMarker) {
			return "[]", nil
		}
		return "Artificial intelligence is the simulation of human intelligence by machines.", nil
	})

	res1, err := h.mesh.HandleTurn(context.Background(), "What is AI?", "s-4a", "u-4")
	require.NoError(t, err)
	assert.Equal(t, types.PlanSourceNone, res1.PlanSource)
	assert.False(t, res1.Partial)

	llmCalls := h.provider.CallCount()
	assert.Equal(t, 2, llmCalls)

	res2, err := h.mesh.HandleTurn(context.Background(), "What is AI?", "s-4b", "u-4")
	require.NoError(t, err)
	assert.Equal(t, res1.Answer, res2.Answer)
	assert.Equal(t, llmCalls, h.provider.CallCount())

	stats := h.mesh.Cache().Stats(context.Background())
	assert.GreaterOrEqual(t, stats.MemoryHits, uint64(2))

	// Param order never changes the fingerprint.
	p1 := map[string]any{"temperature": 0.6, "max_tokens": 100}
	p2 := map[string]any{"max_tokens": 100, "temperature": 0.6}
	assert.Equal(t,
		cache.Fingerprint("What is AI?", "gemma:2b", p1),
		cache.Fingerprint("What is AI?", "gemma:2b", p2))
}

// TestPartialAnswerCarriesOutageNotice fails one of two capabilities and
// checks the degraded reply that reaches the frontend: the surviving fact,
// the outage notice, and the per-task error.
func TestPartialAnswerCarriesOutageNotice(t *testing.T) {
	h := newMeshHarness(t, nil)
	h.registerAgent(t, "weather-1", "weather.get", okPayload("22C and clear"))
	h.registerAgent(t, "stock-1", "stock.price", errPayload("stock feed down"))
	h.scriptProvider(
		`[{"capability":"weather.get","params":{"city":"Tokyo"}},{"capability":"stock.price","params":{"symbol":"TDC"}}]`,
		"unused synthesis")

	responses := h.collectResponses(t)
	require.NoError(t, h.mesh.Bus().Publish(context.Background(), types.Event{
		Topic:         types.TopicUserRequest,
		Sender:        "frontend",
		CorrelationID: "front-5",
		Delivery:      types.AtLeastOnce,
		Payload: map[string]any{
			"query":     "Weather in Tokyo and the TDC stock price",
			"sessionId": "s-5",
		},
	}))

	evt := awaitResponse(t, responses)
	assert.Equal(t, "front-5", evt.CorrelationID)
	assert.Equal(t, true, evt.Payload["partial"])

	answer, ok := evt.Payload["answer"].(string)
	require.True(t, ok)
	assert.Contains(t, answer, "22C and clear")
	assert.Contains(t, answer, "Stock price data is temporarily unavailable")

	errs, ok := evt.Payload["errors"].([]string)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "stock feed down")
}

// TestTurnTimeoutCancelsPendingTasks points the plan at an agent that never
// answers. The turn deadline must cancel the pending task correlation, and a
// response arriving after that is counted late, never delivered.
func TestTurnTimeoutCancelsPendingTasks(t *testing.T) {
	h := newMeshHarness(t, func(cfg *Config) {
		cfg.Orchestrator.TurnTimeout = 250 * time.Millisecond
		cfg.Orchestrator.TaskTimeout = 10 * time.Second
	})

	var taskCorr atomic.Value
	topic := types.TaskRequestTopic("slow.lookup") + ".slowpoke-1"
	require.NoError(t, h.mesh.Registry().Register(&types.AgentRegistration{
		AgentID:       "slowpoke-1",
		AgentType:     "slow",
		Capabilities:  []string{"slow.lookup"},
		EndpointTopic: topic,
	}))
	_, err := h.mesh.Bus().Subscribe("slowpoke-1", topic, func(_ context.Context, evt types.Event) error {
		taskCorr.Store(evt.CorrelationID)
		return nil
	})
	require.NoError(t, err)

	h.scriptProvider(`[{"capability":"slow.lookup"}]`, "unused synthesis")

	res, err := h.mesh.HandleTurn(context.Background(), "look something up slowly", "s-6", "u-6")
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Contains(t, res.Answer, "temporarily unavailable")
	require.Len(t, res.TaskResults, 1)
	assert.True(t, types.IsKind(res.TaskResults[0].Err, types.ErrKindCancelled))

	stats := h.mesh.Tracker().Stats()
	assert.Equal(t, uint64(2), stats.Created)
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Equal(t, uint64(1), stats.Completed+stats.TimedOut)

	// The agent finally answers. The tracker logs it as late; nothing is
	// re-delivered into the finished turn.
	corrID, _ := taskCorr.Load().(string)
	require.NotEmpty(t, corrID)
	require.NoError(t, h.mesh.Bus().Publish(context.Background(), types.Event{
		Topic:         types.TaskResponseTopic("slow.lookup"),
		Sender:        "slowpoke-1",
		CorrelationID: corrID,
		Delivery:      types.AtLeastOnce,
		Payload:       map[string]any{"result": "too late"},
	}))
	require.Eventually(t, func() bool {
		return h.mesh.Tracker().Stats().LateResponses == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, res.Answer, "too late")
}

func TestHealthReflectsBreakersAndHeartbeats(t *testing.T) {
	h := newMeshHarness(t, nil)
	require.NoError(t, h.mesh.Registry().Register(&types.AgentRegistration{
		AgentID:      "alpha-1",
		AgentType:    "weather",
		Capabilities: []string{"weather.get"},
	}))
	require.NoError(t, h.mesh.Registry().Register(&types.AgentRegistration{
		AgentID:      "beta-1",
		AgentType:    "stock",
		Capabilities: []string{"stock.price"},
	}))

	health := h.mesh.Health()
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Agents, 2)
	assert.Equal(t, "alpha-1", health.Agents[0].AgentID)
	assert.Equal(t, "beta-1", health.Agents[1].AgentID)
	assert.False(t, health.Agents[0].LastHeartbeat.IsZero())
	assert.GreaterOrEqual(t, health.Agents[0].HeartbeatAge, time.Duration(0))

	br := h.mesh.Breakers().For("beta-1")
	for i := 0; i < resilience.DefaultFailureThreshold; i++ {
		br.Record(types.NewError(types.ErrKindAgentFailure, "boom"))
	}

	health = h.mesh.Health()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, resilience.StateClosed, health.Agents[0].Breaker)
	assert.Equal(t, resilience.StateOpen, health.Agents[1].Breaker)
}

func TestEvictionClearsBreaker(t *testing.T) {
	h := newMeshHarness(t, nil)
	h.mesh.Breakers().For("ghost-1").Record(types.NewError(types.ErrKindAgentFailure, "boom"))
	require.Contains(t, h.mesh.Breakers().States(), "ghost-1")

	require.NoError(t, h.mesh.Bus().Publish(context.Background(), types.Event{
		Topic:    types.TopicRegistryEvicted,
		Sender:   "registry",
		Delivery: types.AtLeastOnce,
		Payload:  map[string]any{"agentId": "ghost-1", "reason": "stale"},
	}))

	require.Eventually(t, func() bool {
		_, ok := h.mesh.Breakers().States()["ghost-1"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

// TestEmptyQueryStillAnswers publishes a user.request with no query. The
// frontend must still get a response: the emergency template, flagged
// partial, with the validation error attached.
func TestEmptyQueryStillAnswers(t *testing.T) {
	h := newMeshHarness(t, nil)

	responses := h.collectResponses(t)
	require.NoError(t, h.mesh.Bus().Publish(context.Background(), types.Event{
		Topic:         types.TopicUserRequest,
		Sender:        "frontend",
		CorrelationID: "front-e",
		Delivery:      types.AtLeastOnce,
		Payload:       map[string]any{"sessionId": "s-empty"},
	}))

	evt := awaitResponse(t, responses)
	assert.Equal(t, "front-e", evt.CorrelationID)
	assert.Equal(t, "s-empty", evt.Payload["sessionId"])
	assert.Equal(t, true, evt.Payload["partial"])

	answer, ok := evt.Payload["answer"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, answer)

	errs, ok := evt.Payload["errors"].([]string)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "query is required")
}

// fakeTransport records lifecycle calls and the bus it was built around.
type fakeTransport struct {
	builtWith *bus.MessageBus
	starts    atomic.Int64
	stops     atomic.Int64
	startErr  error
}

func (f *fakeTransport) Start(context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeTransport) Stop(context.Context) error {
	f.stops.Add(1)
	return nil
}

// TestTransportLifecycle verifies the transport factory runs against the
// mesh's own bus and that Start/Stop bracket the transport exactly once.
func TestTransportLifecycle(t *testing.T) {
	ft := &fakeTransport{}
	provider := llmtest.New("")
	m, err := New(Config{
		Provider: provider,
		Logger:   zaptest.NewLogger(t),
		Transport: func(b *bus.MessageBus) (transport.AgentTransport, error) {
			ft.builtWith = b
			return ft, nil
		},
	})
	require.NoError(t, err)
	assert.Same(t, m.Bus(), ft.builtWith)
	assert.Equal(t, int64(0), ft.starts.Load())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, int64(1), ft.starts.Load())
	assert.Equal(t, int64(0), ft.stops.Load())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, int64(1), ft.stops.Load())

	// Stop is idempotent and must not stop the transport again.
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, int64(1), ft.stops.Load())
}

// TestTransportFactoryErrorFailsNew verifies a failing factory aborts
// construction with its error attached.
func TestTransportFactoryErrorFailsNew(t *testing.T) {
	_, err := New(Config{
		Provider: llmtest.New(""),
		Logger:   zaptest.NewLogger(t),
		Transport: func(*bus.MessageBus) (transport.AgentTransport, error) {
			return nil, fmt.Errorf("listener busy")
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build transport")
	assert.Contains(t, err.Error(), "listener busy")
}
