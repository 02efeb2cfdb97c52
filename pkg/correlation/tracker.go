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

// Package correlation tracks request/response exchanges across the bus.
// Each dispatched request gets a correlation context that resolves exactly
// once: with the first recorded response, a timeout, or a cancellation.
// Late responses inside a grace window are logged and dropped.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/csync"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultTimeout applies when Create is called with a zero timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultCleanupInterval is how often aged contexts are purged.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultMaxAge removes contexts regardless of state.
	DefaultMaxAge = time.Hour

	// DefaultGrace keeps terminal contexts around so late responses are
	// logged as anomalies instead of surfacing as unknown correlations.
	DefaultGrace = 30 * time.Second
)

// State is a correlation context's lifecycle position.
type State int

const (
	// StatePending means the context awaits its first terminal event.
	StatePending State = iota

	// StateCompleted means a response arrived or Complete was called.
	StateCompleted

	// StateTimedOut means the timeout elapsed before any response.
	StateTimedOut

	// StateCancelled means Cancel or CancelTree resolved the context.
	StateCancelled
)

// String returns the state's wire name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateCompleted:
		return "COMPLETED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Tracker.
type Config struct {
	// DefaultTimeout applies to Create calls with a zero timeout.
	DefaultTimeout time.Duration

	// CleanupInterval is how often the age-based purge runs.
	CleanupInterval time.Duration

	// MaxAge purges contexts older than this regardless of state.
	MaxAge time.Duration

	// Grace keeps terminal contexts so late responses can be attributed.
	Grace time.Duration

	// Logger receives tracker diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock supplies time and timers; tests inject a fake.
	Clock clockwork.Clock
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Active        int
	Created       uint64
	Completed     uint64
	TimedOut      uint64
	Cancelled     uint64
	LateResponses uint64
}

type entry struct {
	id          string
	requestType string
	createdAt   time.Time

	mu        sync.Mutex
	state     State
	responses []any
	children  []string
	timer     clockwork.Timer
	done      chan struct{}
}

// Tracker owns every in-flight correlation context.
type Tracker struct {
	logger *zap.Logger
	clock  clockwork.Clock

	defaultTimeout time.Duration
	maxAge         time.Duration
	grace          time.Duration

	entries    *csync.ShardedMap[*entry]
	cronEngine *cron.Cron
	closeOnce  sync.Once

	created       atomic.Uint64
	completed     atomic.Uint64
	timedOut      atomic.Uint64
	cancelled     atomic.Uint64
	lateResponses atomic.Uint64
}

// New creates a Tracker and starts its cleanup schedule.
func New(cfg Config) *Tracker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	t := &Tracker{
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		defaultTimeout: cfg.DefaultTimeout,
		maxAge:         cfg.MaxAge,
		grace:          cfg.Grace,
		entries:        csync.NewShardedMap[*entry](),
		cronEngine:     cron.New(),
	}
	if _, err := t.cronEngine.AddFunc(fmt.Sprintf("@every %s", cfg.CleanupInterval), t.cleanup); err != nil {
		t.logger.Error("failed to schedule correlation cleanup", zap.Error(err))
	}
	t.cronEngine.Start()
	return t
}

// Create registers a PENDING context and arms its timeout. The id must be
// unique among live contexts.
func (t *Tracker) Create(id, requestType string, timeout time.Duration) error {
	if id == "" {
		return fmt.Errorf("correlation ID is required")
	}
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	e := &entry{
		id:          id,
		requestType: requestType,
		createdAt:   t.clock.Now(),
		state:       StatePending,
		done:        make(chan struct{}),
	}
	if _, exists := t.entries.GetOrSet(id, e); exists {
		return fmt.Errorf("correlation %s already exists", id)
	}

	e.mu.Lock()
	// A response racing Create may already have resolved the entry.
	if e.state == StatePending {
		e.timer = t.clock.AfterFunc(timeout, func() { t.onTimeout(id) })
	}
	e.mu.Unlock()

	t.created.Add(1)
	t.logger.Debug("correlation created",
		zap.String("correlation_id", id),
		zap.String("request_type", requestType),
		zap.Duration("timeout", timeout))
	return nil
}

// Await blocks until the context resolves or ctx is done. On completion it
// returns the first recorded response (nil when completed without one).
func (t *Tracker) Await(ctx context.Context, id string) (any, error) {
	e, ok := t.entries.Get(id)
	if !ok {
		return nil, types.NewError(types.ErrKindValidation, fmt.Sprintf("unknown correlation %s", id))
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrKindCancelled, fmt.Sprintf("await %s interrupted", id), ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateCompleted:
		if len(e.responses) > 0 {
			return e.responses[0], nil
		}
		return nil, nil
	case StateTimedOut:
		return nil, types.NewError(types.ErrKindTimeout, fmt.Sprintf("correlation %s timed out", id))
	case StateCancelled:
		return nil, types.NewError(types.ErrKindCancelled, fmt.Sprintf("correlation %s cancelled", id))
	default:
		return nil, types.NewError(types.ErrKindUnknown, fmt.Sprintf("correlation %s resolved in state %s", id, e.state))
	}
}

// RecordResponse resolves a PENDING context with its first response. Extra
// responses on a completed context are appended for fan-in reads; responses
// after timeout or cancel are logged and dropped.
func (t *Tracker) RecordResponse(id string, response any) error {
	e, ok := t.entries.Get(id)
	if !ok {
		t.lateResponses.Add(1)
		t.logger.Warn("response for unknown correlation",
			zap.String("correlation_id", id))
		return fmt.Errorf("unknown correlation %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StatePending:
		e.responses = append(e.responses, response)
		t.resolveLocked(e, StateCompleted)
		t.completed.Add(1)
		return nil
	case StateCompleted:
		e.responses = append(e.responses, response)
		return nil
	default:
		t.lateResponses.Add(1)
		t.logger.Warn("late_response",
			zap.String("correlation_id", id),
			zap.String("request_type", e.requestType),
			zap.String("state", e.state.String()),
			zap.Duration("age", t.clock.Since(e.createdAt)))
		return nil
	}
}

// Complete resolves a PENDING context without a response. Terminal contexts
// are left untouched.
func (t *Tracker) Complete(id string) error {
	e, ok := t.entries.Get(id)
	if !ok {
		return fmt.Errorf("unknown correlation %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StatePending {
		t.resolveLocked(e, StateCompleted)
		t.completed.Add(1)
	}
	return nil
}

// Cancel resolves a PENDING context as CANCELLED. Idempotent on terminal
// contexts.
func (t *Tracker) Cancel(id string) error {
	e, ok := t.entries.Get(id)
	if !ok {
		return fmt.Errorf("unknown correlation %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StatePending {
		t.resolveLocked(e, StateCancelled)
		t.cancelled.Add(1)
		t.logger.Debug("correlation cancelled", zap.String("correlation_id", id))
	}
	return nil
}

// AddChild records lineage from a parent context to a child for cascade
// cancellation and tracing.
func (t *Tracker) AddChild(parentID, childID string) error {
	e, ok := t.entries.Get(parentID)
	if !ok {
		return fmt.Errorf("unknown correlation %s", parentID)
	}
	e.mu.Lock()
	e.children = append(e.children, childID)
	e.mu.Unlock()
	return nil
}

// CancelTree cancels a context and every descendant recorded via AddChild.
func (t *Tracker) CancelTree(rootID string) error {
	e, ok := t.entries.Get(rootID)
	if !ok {
		return fmt.Errorf("unknown correlation %s", rootID)
	}

	e.mu.Lock()
	children := append([]string(nil), e.children...)
	e.mu.Unlock()

	_ = t.Cancel(rootID)
	for _, childID := range children {
		if err := t.CancelTree(childID); err != nil {
			t.logger.Debug("cascade skipped missing child",
				zap.String("correlation_id", rootID),
				zap.String("child_id", childID))
		}
	}
	return nil
}

// State reports a context's current state.
func (t *Tracker) State(id string) (State, bool) {
	e, ok := t.entries.Get(id)
	if !ok {
		return StatePending, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Responses returns a copy of every response recorded for a context.
func (t *Tracker) Responses(id string) []any {
	e, ok := t.entries.Get(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.responses...)
}

// Stats returns a snapshot of tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Active:        t.entries.Len(),
		Created:       t.created.Load(),
		Completed:     t.completed.Load(),
		TimedOut:      t.timedOut.Load(),
		Cancelled:     t.cancelled.Load(),
		LateResponses: t.lateResponses.Load(),
	}
}

// Close stops the cleanup schedule and cancels every pending context.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		t.cronEngine.Stop()
		t.entries.Range(func(id string, e *entry) bool {
			e.mu.Lock()
			if e.state == StatePending {
				t.resolveLocked(e, StateCancelled)
				t.cancelled.Add(1)
			}
			e.mu.Unlock()
			return true
		})
	})
	return nil
}

// resolveLocked moves a pending entry to a terminal state, closing its done
// channel exactly once and scheduling grace-window removal. Caller holds
// e.mu and has verified state == StatePending.
func (t *Tracker) resolveLocked(e *entry, terminal State) {
	e.state = terminal
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	t.clock.AfterFunc(t.grace, func() { t.entries.Delete(e.id) })
}

func (t *Tracker) onTimeout(id string) {
	e, ok := t.entries.Get(id)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.state != StatePending {
		e.mu.Unlock()
		return
	}
	t.resolveLocked(e, StateTimedOut)
	requestType := e.requestType
	age := t.clock.Since(e.createdAt)
	e.mu.Unlock()

	t.timedOut.Add(1)
	t.logger.Warn("correlation timed out",
		zap.String("correlation_id", id),
		zap.String("request_type", requestType),
		zap.Duration("age", age))
}

// cleanup removes contexts older than maxAge whatever their state, failing
// any still-pending awaiters.
func (t *Tracker) cleanup() {
	cutoff := t.clock.Now().Add(-t.maxAge)
	var removed int

	t.entries.Range(func(id string, e *entry) bool {
		if e.createdAt.After(cutoff) {
			return true
		}
		e.mu.Lock()
		if e.state == StatePending {
			t.resolveLocked(e, StateCancelled)
			t.cancelled.Add(1)
		}
		e.mu.Unlock()
		t.entries.Delete(id)
		removed++
		return true
	})

	if removed > 0 {
		t.logger.Debug("correlation cleanup", zap.Int("removed", removed))
	}
}
