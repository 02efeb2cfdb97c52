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

// Package mesh assembles the runtime: bus, registry, correlation tracker,
// resilience layer, cache, memory, orchestrator, and the optional
// remote-agent transport. It owns construction order, the user.request
// loop, shutdown order, and the health snapshot.
package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/blob"
	"github.com/teradata-labs/weft/pkg/bus"
	"github.com/teradata-labs/weft/pkg/cache"
	"github.com/teradata-labs/weft/pkg/correlation"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/memory"
	"github.com/teradata-labs/weft/pkg/orchestrator"
	"github.com/teradata-labs/weft/pkg/registry"
	"github.com/teradata-labs/weft/pkg/resilience"
	"github.com/teradata-labs/weft/pkg/transport"
	"github.com/teradata-labs/weft/pkg/types"
)

// senderID is the agent ID the mesh publishes and subscribes under.
const senderID = "mesh"

// DefaultMaxConcurrentTurns bounds user turns running at once. Turns block
// for up to the turn timeout, so they run off the bus workers.
const DefaultMaxConcurrentTurns = 32

// Config configures a Mesh. Provider is required; everything else defaults.
type Config struct {
	// Provider is the LLM behind planning and synthesis.
	Provider llm.Provider

	// Store backs the response cache's persistent tier and conversation
	// persistence. Optional; nil keeps both memory-only.
	Store blob.Store

	// Transport builds the bridge to out-of-process agents around the
	// mesh's bus once New has created it. Optional. The mesh owns the
	// returned transport's lifecycle: Start attaches it, Stop tears it
	// down first so no new remote traffic arrives mid-shutdown.
	Transport func(*bus.MessageBus) (transport.AgentTransport, error)

	// VocabularyPath points at the keyword-routing YAML, hot-reloaded for
	// both routing and emergency templates. Optional.
	VocabularyPath string

	// MaxConcurrentTurns bounds user turns in flight.
	MaxConcurrentTurns int

	// Per-component tuning. Wiring fields inside these configs (loggers,
	// clocks, stores, the breaker gate, component handles) are set by New;
	// only the knobs are read.
	Bus          bus.Config
	Registry     registry.Config
	Tracker      correlation.Config
	Breakers     resilience.BreakerConfig
	Retry        resilience.RetrierConfig
	Cache        cache.Config
	Memory       memory.Config
	Orchestrator orchestrator.Config

	// Logger receives diagnostics from every component. Defaults to a no-op
	// logger.
	Logger *zap.Logger

	// Clock supplies time everywhere; tests inject a fake.
	Clock clockwork.Clock
}

// Mesh is the assembled runtime. Construct with New, attach with Start,
// tear down with Stop.
type Mesh struct {
	logger *zap.Logger
	clock  clockwork.Clock

	bus       *bus.MessageBus
	registry  *registry.Registry
	tracker   *correlation.Tracker
	breakers  *resilience.BreakerManager
	cache     *cache.ResponseCache
	memory    *memory.Memory
	orch      *orchestrator.Orchestrator
	transport transport.AgentTransport

	turnSem chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	userSub  *bus.Subscription
	evictSub *bus.Subscription
}

// New constructs every component in dependency order: bus, breakers,
// registry (gated by the breakers), tracker, cache, memory, then the
// orchestrator on top. Nothing is attached to the bus beyond the
// orchestrator's own response subscription until Start.
func New(cfg Config) (*Mesh, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("LLM provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}

	busCfg := cfg.Bus
	busCfg.Logger = logger
	busCfg.Clock = clock
	b := bus.New(busCfg)

	var tr transport.AgentTransport
	if cfg.Transport != nil {
		var err error
		tr, err = cfg.Transport(b)
		if err != nil {
			_ = b.Stop(context.Background())
			return nil, fmt.Errorf("failed to build transport: %w", err)
		}
	}

	breakerCfg := cfg.Breakers
	breakerCfg.Logger = logger
	breakerCfg.Clock = clock
	breakers := resilience.NewBreakerManager(breakerCfg)

	regCfg := cfg.Registry
	regCfg.Gate = breakers.Gate()
	regCfg.Logger = logger
	regCfg.Clock = clock
	reg := registry.New(regCfg)

	trackerCfg := cfg.Tracker
	trackerCfg.Logger = logger
	trackerCfg.Clock = clock
	tracker := correlation.New(trackerCfg)

	cacheCfg := cfg.Cache
	cacheCfg.Store = cfg.Store
	cacheCfg.Logger = logger
	cacheCfg.Clock = clock
	respCache := cache.New(cacheCfg)

	memCfg := cfg.Memory
	memCfg.Store = cfg.Store
	memCfg.Logger = logger
	memCfg.Clock = clock
	mem := memory.New(memCfg)

	teardown := func() {
		_ = mem.Close()
		_ = respCache.Close()
		_ = tracker.Close()
		_ = reg.Close()
		_ = b.Stop(context.Background())
	}

	templates := resilience.NewEmergencyTemplates(logger)
	router, err := orchestrator.NewRouter(orchestrator.RouterConfig{
		Path:        cfg.VocabularyPath,
		OnTemplates: templates.Update,
		Logger:      logger,
	})
	if err != nil {
		teardown()
		return nil, fmt.Errorf("failed to build keyword router: %w", err)
	}

	retryCfg := cfg.Retry
	retryCfg.Logger = logger
	retryCfg.Clock = clock
	retrier := resilience.NewRetrier(retryCfg)

	orchCfg := cfg.Orchestrator
	orchCfg.Bus = b
	orchCfg.Registry = reg
	orchCfg.Tracker = tracker
	orchCfg.Provider = cfg.Provider
	orchCfg.Cache = respCache
	orchCfg.Memory = mem
	orchCfg.Breakers = breakers
	orchCfg.Retrier = retrier
	orchCfg.Templates = templates
	orchCfg.Router = router
	orchCfg.Logger = logger
	orchCfg.Clock = clock
	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		_ = router.Close()
		teardown()
		return nil, err
	}

	return &Mesh{
		logger:    logger,
		clock:     clock,
		bus:       b,
		registry:  reg,
		tracker:   tracker,
		breakers:  breakers,
		cache:     respCache,
		memory:    mem,
		orch:      orch,
		transport: tr,
		turnSem:   make(chan struct{}, cfg.MaxConcurrentTurns),
	}, nil
}

// Start attaches the mesh to the bus: the registry's event surface, the
// user.request loop, the eviction hook, and the optional transport.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("mesh already started")
	}
	if m.stopped {
		return fmt.Errorf("mesh is stopped")
	}

	if err := m.registry.AttachBus(m.bus); err != nil {
		return err
	}

	userSub, err := m.bus.Subscribe(senderID, types.TopicUserRequest, m.handleUserRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to user requests: %w", err)
	}
	evictSub, err := m.bus.Subscribe(senderID, types.TopicRegistryEvicted, m.handleEviction)
	if err != nil {
		_ = m.bus.Unsubscribe(userSub)
		return fmt.Errorf("failed to subscribe to evictions: %w", err)
	}

	if m.transport != nil {
		if err := m.transport.Start(ctx); err != nil {
			_ = m.bus.Unsubscribe(userSub)
			_ = m.bus.Unsubscribe(evictSub)
			return fmt.Errorf("failed to start transport: %w", err)
		}
	}

	m.userSub = userSub
	m.evictSub = evictSub
	m.started = true
	m.logger.Info("mesh started",
		zap.Bool("transport", m.transport != nil),
		zap.Int("max_concurrent_turns", cap(m.turnSem)))
	return nil
}

// Stop tears the mesh down in reverse order: transport first so no new
// remote traffic arrives, bus last so in-flight deliveries drain. Safe to
// call without Start and safe to call twice.
func (m *Mesh) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	userSub, evictSub := m.userSub, m.evictSub
	m.userSub, m.evictSub = nil, nil
	m.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if started && m.transport != nil {
		record(m.transport.Stop(ctx))
	}
	if userSub != nil {
		record(m.bus.Unsubscribe(userSub))
	}
	if evictSub != nil {
		record(m.bus.Unsubscribe(evictSub))
	}
	record(m.orch.Close())
	record(m.registry.Close())
	record(m.tracker.Close())
	record(m.memory.Close())
	record(m.cache.Close())
	record(m.bus.Stop(ctx))

	m.logger.Info("mesh stopped", zap.Error(firstErr))
	return firstErr
}

// HandleTurn runs one user turn directly, bypassing the bus. The serve loop
// and tests use it; remote frontends publish user.request events instead.
func (m *Mesh) HandleTurn(ctx context.Context, query, sessionID, userID string) (types.TurnResult, error) {
	return m.orch.HandleTurn(ctx, query, sessionID, userID)
}

// handleUserRequest runs the turn on its own goroutine: turns block for up
// to the turn timeout and task responses travel the same worker pool, so a
// turn must never hold a bus worker. The semaphore bounds turn concurrency
// and pushes overload back on the at-least-once queue.
func (m *Mesh) handleUserRequest(ctx context.Context, evt types.Event) error {
	select {
	case m.turnSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	go func() {
		defer func() { <-m.turnSem }()
		m.runTurn(ctx, evt)
	}()
	return nil
}

// runTurn executes one turn and publishes the user.response. Turn failures
// still answer: the emergency template stands in for the orchestrator.
func (m *Mesh) runTurn(ctx context.Context, evt types.Event) {
	query := stringField(evt.Payload, "query")
	sessionID := stringField(evt.Payload, "sessionId")
	userID := stringField(evt.Payload, "userId")

	result, err := m.orch.HandleTurn(ctx, query, sessionID, userID)
	if err != nil {
		m.logger.Warn("turn failed",
			zap.String("session_id", sessionID),
			zap.String("event_id", evt.ID),
			zap.Error(err))
		result = types.TurnResult{
			SessionID:  sessionID,
			Answer:     m.orch.Templates().RenderFor(err),
			Partial:    true,
			Errors:     []string{err.Error()},
			PlanSource: types.PlanSourceNone,
		}
	}

	response := types.Event{
		Topic:  types.TopicUserResponse,
		Sender: senderID,
		// The response carries the correlation ID the requester sent.
		CorrelationID: evt.CorrelationID,
		Delivery:      types.AtLeastOnce,
		Payload: map[string]any{
			"answer":    result.Answer,
			"sessionId": result.SessionID,
			"partial":   result.Partial,
			"errors":    result.Errors,
		},
	}
	if err := m.bus.Publish(ctx, response); err != nil {
		m.logger.Error("failed to publish user response",
			zap.String("session_id", result.SessionID),
			zap.String("correlation_id", evt.CorrelationID),
			zap.Error(err))
	}
}

// handleEviction clears breaker state for agents the registry swept out, so
// a returning agent starts with a clean slate.
func (m *Mesh) handleEviction(_ context.Context, evt types.Event) error {
	agentID := stringField(evt.Payload, "agentId")
	if agentID == "" {
		return nil
	}
	m.breakers.Remove(agentID)
	m.logger.Info("cleared breaker for evicted agent", zap.String("agent_id", agentID))
	return nil
}

// Health is the mesh's view of its agents, derived from registry heartbeats
// and breaker states.
type Health struct {
	// Status is "ok", or "degraded" when any breaker is open or any agent
	// reports FAILED.
	Status string
	Agents []AgentHealth
}

// AgentHealth is one agent's row in the health snapshot.
type AgentHealth struct {
	AgentID       string
	AgentType     string
	Status        types.AgentStatus
	Breaker       resilience.CircuitState
	LastHeartbeat time.Time
	HeartbeatAge  time.Duration
}

// Health snapshots agent liveness. It never probes anything: heartbeat
// timestamps and breaker states are the only inputs.
func (m *Mesh) Health() Health {
	regs := m.registry.GetAll()
	states := m.breakers.States()

	h := Health{Status: "ok", Agents: make([]AgentHealth, 0, len(regs))}
	for _, reg := range regs {
		entry := AgentHealth{
			AgentID:       reg.AgentID,
			AgentType:     reg.AgentType,
			Status:        reg.Status,
			Breaker:       states[reg.AgentID],
			LastHeartbeat: reg.LastHeartbeat,
			HeartbeatAge:  m.clock.Since(reg.LastHeartbeat),
		}
		if entry.Breaker == resilience.StateOpen || entry.Status == types.StatusFailed {
			h.Status = "degraded"
		}
		h.Agents = append(h.Agents, entry)
	}
	sort.Slice(h.Agents, func(i, j int) bool {
		return h.Agents[i].AgentID < h.Agents[j].AgentID
	})
	return h
}

// Bus exposes the event bus for frontends and local agents.
func (m *Mesh) Bus() *bus.MessageBus { return m.bus }

// Registry exposes the capability directory for in-process agents.
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Tracker exposes the correlation tracker.
func (m *Mesh) Tracker() *correlation.Tracker { return m.tracker }

// Breakers exposes per-agent circuit state.
func (m *Mesh) Breakers() *resilience.BreakerManager { return m.breakers }

// Cache exposes the response cache.
func (m *Mesh) Cache() *cache.ResponseCache { return m.cache }

// Memory exposes the conversation store.
func (m *Mesh) Memory() *memory.Memory { return m.memory }

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
