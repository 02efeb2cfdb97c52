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

// Package resilience keeps a degraded mesh answering: per-agent circuit
// breakers, same-agent retry, planner reprompt construction, emergency
// response templates, and partial-result composition.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens a
	// breaker.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long an open breaker rejects dispatches before
	// admitting a half-open probe.
	DefaultCooldown = 30 * time.Second
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	// StateClosed admits every dispatch.
	StateClosed CircuitState = iota

	// StateOpen rejects dispatches until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits exactly one probe dispatch.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines breaker behaviour. The zero value gets defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default 5.
	FailureThreshold int

	// Cooldown is the open→half-open wait. Default 30s.
	Cooldown time.Duration

	// OnStateChange is invoked on every transition, under the breaker's
	// lock: it must be fast and must not call back into the breaker.
	OnStateChange func(agentID string, from, to CircuitState)

	Logger *zap.Logger
	Clock  clockwork.Clock
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Breaker tracks consecutive failures for one agent and short-circuits
// dispatches once the threshold is crossed. After the cooldown a single
// probe is admitted: its success closes the circuit, its failure reopens it.
type Breaker struct {
	agentID       string
	threshold     int
	cooldown      time.Duration
	logger        *zap.Logger
	clock         clockwork.Clock
	onStateChange func(agentID string, from, to CircuitState)

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

func newBreaker(agentID string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		agentID:       agentID,
		threshold:     cfg.FailureThreshold,
		cooldown:      cfg.Cooldown,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Allow reports whether a dispatch may proceed now. In the open state it
// transitions to half-open once the cooldown has elapsed and admits the
// caller as the probe. Rejections carry the CircuitOpen kind.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.clock.Now().Sub(b.lastFailure)
		if elapsed >= b.cooldown {
			b.transitionLocked(StateHalfOpen)
			b.probing = true
			b.logger.Info("circuit breaker half-open",
				zap.String("agent_id", b.agentID),
				zap.Duration("elapsed", elapsed))
			return nil
		}
		return types.NewError(types.ErrKindCircuitOpen,
			fmt.Sprintf("circuit open for agent %q, retry in %s", b.agentID, b.cooldown-elapsed))

	case StateHalfOpen:
		if b.probing {
			return types.NewError(types.ErrKindCircuitOpen,
				fmt.Sprintf("circuit half-open for agent %q, probe in flight", b.agentID))
		}
		b.probing = true
		return nil

	default:
		return types.NewError(types.ErrKindCircuitOpen,
			fmt.Sprintf("circuit in unknown state %d for agent %q", b.state, b.agentID))
	}
}

// Record feeds a dispatch outcome back into the breaker. Every admitted
// dispatch must record exactly once.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccessLocked()
		return
	}
	b.onFailureLocked(err)
}

// Execute wraps a synchronous operation with breaker admission and outcome
// recording.
func (b *Breaker) Execute(op func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := op()
	b.Record(err)
	return err
}

// State returns the current position without mutating it.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Dispatchable reports whether Allow would admit a dispatch right now. Used
// by the registry's selection gate; it never mutates state.
func (b *Breaker) Dispatchable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.clock.Now().Sub(b.lastFailure) >= b.cooldown
	case StateHalfOpen:
		return !b.probing
	default:
		return false
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.probing = false
		b.failures = 0
		b.transitionLocked(StateClosed)
		b.logger.Info("circuit breaker closed",
			zap.String("agent_id", b.agentID),
			zap.String("reason", "probe succeeded"))
	}
}

func (b *Breaker) onFailureLocked(err error) {
	b.lastFailure = b.clock.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		b.logger.Warn("circuit breaker failure",
			zap.String("agent_id", b.agentID),
			zap.Int("failures", b.failures),
			zap.Int("threshold", b.threshold),
			zap.Error(err))
		if b.failures >= b.threshold {
			b.transitionLocked(StateOpen)
			b.logger.Error("circuit breaker opened",
				zap.String("agent_id", b.agentID),
				zap.Int("failures", b.failures))
		}

	case StateHalfOpen:
		b.probing = false
		b.transitionLocked(StateOpen)
		b.logger.Warn("circuit breaker reopened",
			zap.String("agent_id", b.agentID),
			zap.String("reason", "probe failed"),
			zap.Error(err))
	}
}

func (b *Breaker) transitionLocked(to CircuitState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.agentID, from, to)
	}
}

// BreakerManager lazily creates one breaker per agent.
type BreakerManager struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerManager creates a manager; all breakers share cfg.
func NewBreakerManager(cfg BreakerConfig) *BreakerManager {
	cfg.applyDefaults()
	return &BreakerManager{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the agent's breaker, creating it on first use.
func (m *BreakerManager) For(agentID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[agentID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[agentID]; ok {
		return b
	}
	b = newBreaker(agentID, m.cfg)
	m.breakers[agentID] = b
	return b
}

// Gate returns the selection predicate the registry consults: true when a
// dispatch to the agent may be admitted now. Agents without a breaker yet
// are dispatchable.
func (m *BreakerManager) Gate() func(agentID string) bool {
	return func(agentID string) bool {
		m.mu.RLock()
		b, ok := m.breakers[agentID]
		m.mu.RUnlock()
		if !ok {
			return true
		}
		return b.Dispatchable()
	}
}

// States snapshots every breaker's position, keyed by agent ID.
func (m *BreakerManager) States() map[string]CircuitState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CircuitState, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.State()
	}
	return out
}

// Remove drops an agent's breaker, e.g. after registry eviction.
func (m *BreakerManager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, agentID)
}
