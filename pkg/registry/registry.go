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

// Package registry maintains the live directory of agents and their
// capabilities. The orchestrator queries it to resolve plan capabilities to
// concrete agents; agents keep their entries fresh with heartbeats, and a
// periodic sweep evicts entries that stop heartbeating.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/bus"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultSweepInterval is how often the stale sweep runs.
	DefaultSweepInterval = 30 * time.Second

	// DefaultStaleTimeout is the heartbeat age past which an agent is
	// considered gone and evicted.
	DefaultStaleTimeout = 5 * time.Minute
)

// BreakerGate reports whether an agent is currently dispatchable. The
// resilience layer supplies one backed by its circuit breakers; a nil gate
// admits every agent.
type BreakerGate func(agentID string) bool

// Config configures a Registry.
type Config struct {
	// SweepInterval is how often stale agents are checked for.
	SweepInterval time.Duration

	// StaleTimeout is the heartbeat age that marks an agent stale.
	StaleTimeout time.Duration

	// Gate filters selection to dispatchable agents. Optional.
	Gate BreakerGate

	// Logger receives registry diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock supplies time; tests inject a fake.
	Clock clockwork.Clock
}

// MatchResult maps each requested capability to its selected agent, and
// lists the capabilities no active agent serves.
type MatchResult struct {
	Matches map[string]*types.AgentRegistration
	Missing []string
}

// Complete reports whether every requested capability was matched.
func (m MatchResult) Complete() bool {
	return len(m.Missing) == 0
}

// Registry is the capability directory. All three indices (by ID, by
// capability, by type) live behind one lock so every read sees a consistent
// view of a mutation.
type Registry struct {
	logger       *zap.Logger
	clock        clockwork.Clock
	gate         BreakerGate
	staleTimeout time.Duration

	mu           sync.RWMutex
	byID         map[string]*types.AgentRegistration
	byCapability map[string]map[string]struct{}
	byType       map[string]map[string]struct{}
	eventBus     *bus.MessageBus
	busSubs      []*bus.Subscription

	cronEngine *cron.Cron
	closeOnce  sync.Once
}

// New creates a Registry and starts its stale sweep.
func New(cfg Config) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	r := &Registry{
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		gate:         cfg.Gate,
		staleTimeout: cfg.StaleTimeout,
		byID:         make(map[string]*types.AgentRegistration),
		byCapability: make(map[string]map[string]struct{}),
		byType:       make(map[string]map[string]struct{}),
		cronEngine:   cron.New(),
	}

	_, err := r.cronEngine.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), r.sweepStale)
	if err != nil {
		// "@every <duration>" with a positive duration always parses.
		r.logger.Error("failed to schedule stale sweep", zap.Error(err))
	}
	r.cronEngine.Start()
	return r
}

// Register adds or replaces an agent entry. Re-registration keeps the
// original RegisteredAt so selection by seniority stays stable.
func (r *Registry) Register(reg *types.AgentRegistration) error {
	if reg == nil {
		return fmt.Errorf("registration is required")
	}
	if reg.AgentID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if len(reg.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}

	now := r.clock.Now()
	entry := reg.Clone()
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = now
	}
	entry.LastHeartbeat = now

	r.mu.Lock()
	if existing, ok := r.byID[entry.AgentID]; ok {
		entry.RegisteredAt = existing.RegisteredAt
		r.removeLocked(existing)
	}
	r.insertLocked(entry)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", entry.AgentID),
		zap.String("agent_type", entry.AgentType),
		zap.Strings("capabilities", entry.Capabilities))
	return nil
}

// Deregister removes an agent from all indices.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	entry, ok := r.byID[agentID]
	if ok {
		r.removeLocked(entry)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent %s is not registered", agentID)
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// Heartbeat refreshes an agent's liveness. An INACTIVE agent heartbeating
// returns to ACTIVE; FAILED is sticky until UpdateStatus.
func (r *Registry) Heartbeat(agentID string) error {
	now := r.clock.Now()

	r.mu.Lock()
	entry, ok := r.byID[agentID]
	if ok {
		entry.LastHeartbeat = now
		if entry.Status == types.StatusInactive {
			entry.Status = types.StatusActive
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent %s is not registered", agentID)
	}
	return nil
}

// UpdateStatus sets an agent's availability.
func (r *Registry) UpdateStatus(agentID string, status types.AgentStatus) error {
	r.mu.Lock()
	entry, ok := r.byID[agentID]
	if ok {
		entry.Status = status
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent %s is not registered", agentID)
	}
	r.logger.Debug("agent status updated",
		zap.String("agent_id", agentID),
		zap.String("status", status.String()))
	return nil
}

// Get returns a copy of one agent's registration.
func (r *Registry) Get(agentID string) (*types.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[agentID]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// FindByCapability returns every agent serving the capability, any status.
func (r *Registry) FindByCapability(capability string) []*types.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byCapability[capability])
}

// FindByType returns every agent of the given type.
func (r *Registry) FindByType(agentType string) []*types.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byType[agentType])
}

// GetAll returns every registration.
func (r *Registry) GetAll() []*types.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.AgentRegistration, 0, len(r.byID))
	for _, entry := range r.byID {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Capabilities returns the sorted set of capabilities with at least one
// ACTIVE agent. The orchestrator embeds this catalogue in planning prompts.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	for capability, ids := range r.byCapability {
		for id := range ids {
			if r.byID[id].Status == types.StatusActive {
				set[capability] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(set))
	for capability := range set {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// SelectAgent picks the agent to dispatch a capability to: ACTIVE, admitted
// by the breaker gate, not excluded, earliest RegisteredAt, ties broken by
// lexicographic AgentID.
func (r *Registry) SelectAgent(capability string, exclude ...string) (*types.AgentRegistration, error) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	r.mu.RLock()
	var best *types.AgentRegistration
	for id := range r.byCapability[capability] {
		entry := r.byID[id]
		if entry.Status != types.StatusActive {
			continue
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		if r.gate != nil && !r.gate(id) {
			continue
		}
		if best == nil || earlier(entry, best) {
			best = entry
		}
	}
	if best != nil {
		best = best.Clone()
	}
	r.mu.RUnlock()

	if best == nil {
		return nil, types.NewError(types.ErrKindCapabilityMissing,
			fmt.Sprintf("no eligible agent for capability %q", capability))
	}
	return best, nil
}

// MatchPlan resolves each required capability to an agent.
func (r *Registry) MatchPlan(requiredCapabilities []string) MatchResult {
	result := MatchResult{Matches: make(map[string]*types.AgentRegistration)}
	for _, capability := range requiredCapabilities {
		agent, err := r.SelectAgent(capability)
		if err != nil {
			result.Missing = append(result.Missing, capability)
			continue
		}
		result.Matches[capability] = agent
	}
	sort.Strings(result.Missing)
	return result
}

// AttachBus subscribes the registry to its bus topics so remote agents can
// register and heartbeat with events, and enables eviction announcements.
func (r *Registry) AttachBus(b *bus.MessageBus) error {
	if b == nil {
		return fmt.Errorf("bus is required")
	}

	regSub, err := b.Subscribe("registry", types.TopicRegistryRegister, r.handleRegisterEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", types.TopicRegistryRegister, err)
	}
	hbSub, err := b.Subscribe("registry", types.TopicRegistryHeartbeat, r.handleHeartbeatEvent)
	if err != nil {
		_ = b.Unsubscribe(regSub)
		return fmt.Errorf("failed to subscribe to %s: %w", types.TopicRegistryHeartbeat, err)
	}

	r.mu.Lock()
	r.eventBus = b
	r.busSubs = append(r.busSubs, regSub, hbSub)
	r.mu.Unlock()
	return nil
}

// Close stops the sweep and detaches from the bus.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.cronEngine.Stop()

		r.mu.Lock()
		b := r.eventBus
		subs := r.busSubs
		r.eventBus = nil
		r.busSubs = nil
		r.mu.Unlock()

		if b != nil {
			for _, sub := range subs {
				_ = b.Unsubscribe(sub)
			}
		}
	})
	return nil
}

func (r *Registry) handleRegisterEvent(_ context.Context, evt types.Event) error {
	reg := &types.AgentRegistration{
		AgentID:       stringField(evt.Payload, "agentId"),
		AgentType:     stringField(evt.Payload, "agentType"),
		EndpointTopic: stringField(evt.Payload, "endpointTopic"),
		Status:        types.StatusActive,
	}
	if caps, ok := evt.Payload["capabilities"].([]string); ok {
		reg.Capabilities = caps
	} else if raw, ok := evt.Payload["capabilities"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				reg.Capabilities = append(reg.Capabilities, s)
			}
		}
	}
	if meta, ok := evt.Payload["metadata"].(map[string]string); ok {
		reg.Metadata = meta
	}
	if err := r.Register(reg); err != nil {
		r.logger.Warn("register event rejected",
			zap.String("event_id", evt.ID),
			zap.String("sender", evt.Sender),
			zap.Error(err))
		return err
	}
	return nil
}

func (r *Registry) handleHeartbeatEvent(_ context.Context, evt types.Event) error {
	agentID := stringField(evt.Payload, "agentId")
	if agentID == "" {
		agentID = evt.Sender
	}
	if err := r.Heartbeat(agentID); err != nil {
		r.logger.Debug("heartbeat for unknown agent",
			zap.String("agent_id", agentID),
			zap.String("event_id", evt.ID))
		return err
	}
	return nil
}

// sweepStale deregisters agents whose last heartbeat is older than the
// stale timeout and announces each eviction on the bus.
func (r *Registry) sweepStale() {
	cutoff := r.clock.Now().Add(-r.staleTimeout)

	r.mu.Lock()
	var evicted []*types.AgentRegistration
	for _, entry := range r.byID {
		if entry.LastHeartbeat.Before(cutoff) {
			evicted = append(evicted, entry.Clone())
		}
	}
	for _, entry := range evicted {
		r.removeLocked(r.byID[entry.AgentID])
	}
	b := r.eventBus
	r.mu.Unlock()

	for _, entry := range evicted {
		r.logger.Warn("evicting stale agent",
			zap.String("agent_id", entry.AgentID),
			zap.String("agent_type", entry.AgentType),
			zap.Time("last_heartbeat", entry.LastHeartbeat))
		if b == nil {
			continue
		}
		err := b.Publish(context.Background(), types.Event{
			Topic:  types.TopicRegistryEvicted,
			Sender: "registry",
			Payload: map[string]any{
				"agentId":       entry.AgentID,
				"agentType":     entry.AgentType,
				"lastHeartbeat": entry.LastHeartbeat.Format(time.RFC3339),
				"reason":        "stale",
			},
		})
		if err != nil {
			r.logger.Debug("failed to publish eviction", zap.Error(err))
		}
	}
}

func (r *Registry) insertLocked(entry *types.AgentRegistration) {
	r.byID[entry.AgentID] = entry
	for _, capability := range entry.Capabilities {
		set, ok := r.byCapability[capability]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[capability] = set
		}
		set[entry.AgentID] = struct{}{}
	}
	set, ok := r.byType[entry.AgentType]
	if !ok {
		set = make(map[string]struct{})
		r.byType[entry.AgentType] = set
	}
	set[entry.AgentID] = struct{}{}
}

func (r *Registry) removeLocked(entry *types.AgentRegistration) {
	delete(r.byID, entry.AgentID)
	for _, capability := range entry.Capabilities {
		if set := r.byCapability[capability]; set != nil {
			delete(set, entry.AgentID)
			if len(set) == 0 {
				delete(r.byCapability, capability)
			}
		}
	}
	if set := r.byType[entry.AgentType]; set != nil {
		delete(set, entry.AgentID)
		if len(set) == 0 {
			delete(r.byType, entry.AgentType)
		}
	}
}

func (r *Registry) collectLocked(ids map[string]struct{}) []*types.AgentRegistration {
	out := make([]*types.AgentRegistration, 0, len(ids))
	for id := range ids {
		out = append(out, r.byID[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func earlier(a, b *types.AgentRegistration) bool {
	if a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.AgentID < b.AgentID
	}
	return a.RegisteredAt.Before(b.RegisteredAt)
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
