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

// Package orchestrator turns user queries into task plans, dispatches the
// tasks to agents over the bus, and synthesises the replies. It degrades
// rather than fails: malformed plans are repaired by reprompting, an
// unavailable LLM falls back to the keyword router, and failed tasks yield a
// partial answer with notices instead of an error.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/bus"
	"github.com/teradata-labs/weft/pkg/cache"
	"github.com/teradata-labs/weft/pkg/correlation"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/memory"
	"github.com/teradata-labs/weft/pkg/registry"
	"github.com/teradata-labs/weft/pkg/resilience"
	"github.com/teradata-labs/weft/pkg/types"
)

// senderID is the agent ID the orchestrator publishes and subscribes under.
const senderID = "orchestrator"

const (
	// DefaultPlanningTimeout bounds a single planning LLM call.
	DefaultPlanningTimeout = 15 * time.Second

	// DefaultTurnTimeout bounds a whole user turn.
	DefaultTurnTimeout = 60 * time.Second

	// DefaultTaskTimeout bounds one dispatched task.
	DefaultTaskTimeout = 30 * time.Second

	// DefaultContextWindow is how many recent messages feed the planner.
	DefaultContextWindow = 20

	// DefaultConfidenceThreshold is the planner confidence below which the
	// keyword router is consulted to confirm the plan.
	DefaultConfidenceThreshold = 0.6
)

// Config configures an Orchestrator. Bus, Registry, Tracker, and Provider
// are required; everything else defaults.
type Config struct {
	// Bus carries task requests and responses.
	Bus *bus.MessageBus

	// Registry resolves plan capabilities to agents.
	Registry *registry.Registry

	// Tracker correlates task requests with their responses.
	Tracker *correlation.Tracker

	// Provider is the LLM used for planning and synthesis.
	Provider llm.Provider

	// Cache short-circuits repeated planning and synthesis calls. Optional.
	Cache *cache.ResponseCache

	// Memory supplies conversation context and records turns. Optional.
	Memory *memory.Memory

	// Breakers guards agents; shared with the mesh health surface.
	Breakers *resilience.BreakerManager

	// Retrier drives same-agent retry before alternate routing.
	Retrier *resilience.Retrier

	// Templates render emergency replies when everything else failed.
	Templates *resilience.EmergencyTemplates

	// Router is the keyword fallback planner.
	Router *Router

	// MaxRepromptAttempts caps plan repair rounds.
	MaxRepromptAttempts int

	// PlanningTimeout bounds each planning LLM call.
	PlanningTimeout time.Duration

	// TurnTimeout bounds HandleTurn end to end.
	TurnTimeout time.Duration

	// TaskTimeout bounds each dispatched task.
	TaskTimeout time.Duration

	// ContextWindow is how many recent messages feed prompts.
	ContextWindow int

	// ConfidenceThreshold gates keyword confirmation of LLM plans.
	ConfidenceThreshold float64

	// Logger receives orchestrator diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock supplies time; tests inject a fake.
	Clock clockwork.Clock
}

// Orchestrator owns the per-turn pipeline: plan, dispatch, aggregate,
// synthesise, remember.
type Orchestrator struct {
	bus       *bus.MessageBus
	registry  *registry.Registry
	tracker   *correlation.Tracker
	provider  llm.Provider
	cache     *cache.ResponseCache
	memory    *memory.Memory
	breakers  *resilience.BreakerManager
	retrier   *resilience.Retrier
	templates *resilience.EmergencyTemplates
	router    *Router
	planner   *planner

	planningTimeout     time.Duration
	turnTimeout         time.Duration
	taskTimeout         time.Duration
	contextWindow       int
	confidenceThreshold float64

	logger *zap.Logger
	clock  clockwork.Clock

	respSub *bus.Subscription
}

// New wires an Orchestrator and subscribes it to task responses.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
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
	if cfg.MaxRepromptAttempts <= 0 {
		cfg.MaxRepromptAttempts = resilience.DefaultMaxRepromptAttempts
	}
	if cfg.PlanningTimeout <= 0 {
		cfg.PlanningTimeout = DefaultPlanningTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakerManager(resilience.BreakerConfig{
			Logger: logger,
			Clock:  clock,
		})
	}
	if cfg.Retrier == nil {
		cfg.Retrier = resilience.NewRetrier(resilience.RetrierConfig{
			Logger: logger,
			Clock:  clock,
		})
	}
	if cfg.Templates == nil {
		cfg.Templates = resilience.NewEmergencyTemplates(logger)
	}
	if cfg.Router == nil {
		router, err := NewRouter(RouterConfig{
			Logger:      logger,
			OnTemplates: cfg.Templates.Update,
		})
		if err != nil {
			return nil, err
		}
		cfg.Router = router
	}

	o := &Orchestrator{
		bus:                 cfg.Bus,
		registry:            cfg.Registry,
		tracker:             cfg.Tracker,
		provider:            cfg.Provider,
		cache:               cfg.Cache,
		memory:              cfg.Memory,
		breakers:            cfg.Breakers,
		retrier:             cfg.Retrier,
		templates:           cfg.Templates,
		router:              cfg.Router,
		planner:             newPlanner(cfg.Provider, logger, cfg.MaxRepromptAttempts, cfg.PlanningTimeout),
		planningTimeout:     cfg.PlanningTimeout,
		turnTimeout:         cfg.TurnTimeout,
		taskTimeout:         cfg.TaskTimeout,
		contextWindow:       cfg.ContextWindow,
		confidenceThreshold: cfg.ConfidenceThreshold,
		logger:              logger,
		clock:               clock,
	}

	sub, err := cfg.Bus.Subscribe(senderID, "task.response.**", o.handleTaskResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to task responses: %w", err)
	}
	o.respSub = sub
	return o, nil
}

// Breakers exposes the breaker manager for health surfaces and eviction
// hooks.
func (o *Orchestrator) Breakers() *resilience.BreakerManager {
	return o.breakers
}

// Templates exposes the emergency templates for hot-reload wiring.
func (o *Orchestrator) Templates() *resilience.EmergencyTemplates {
	return o.templates
}

// Close unsubscribes from the bus and stops the keyword router's watcher.
// It does not close the bus, tracker, or other shared components.
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.respSub != nil {
		if err := o.bus.Unsubscribe(o.respSub); err != nil {
			firstErr = err
		}
		o.respSub = nil
	}
	if err := o.router.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// handleTaskResponse records agent replies against their correlation IDs.
// Late and unknown responses are logged by the tracker, never redelivered.
func (o *Orchestrator) handleTaskResponse(_ context.Context, evt types.Event) error {
	if evt.CorrelationID == "" {
		o.logger.Warn("task response without correlation ID",
			zap.String("topic", evt.Topic),
			zap.String("sender", evt.Sender))
		return nil
	}
	if err := o.tracker.RecordResponse(evt.CorrelationID, evt.Payload); err != nil {
		o.logger.Debug("task response not recorded",
			zap.String("correlation_id", evt.CorrelationID),
			zap.Error(err))
	}
	return nil
}

// HandleTurn runs one user turn end to end and always produces an answer:
// degraded turns return a partial or emergency reply with a nil error.
// Only an empty query is an error.
func (o *Orchestrator) HandleTurn(ctx context.Context, query, sessionID, userID string) (types.TurnResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return types.TurnResult{}, types.NewError(types.ErrKindValidation, "query is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	rootCorr := uuid.NewString()
	if err := o.tracker.Create(rootCorr, "turn", o.turnTimeout); err != nil {
		return types.TurnResult{}, fmt.Errorf("failed to create turn correlation: %w", err)
	}
	defer func() {
		// Sweep up whatever is still pending under this turn; terminal
		// contexts are untouched.
		if err := o.tracker.CancelTree(rootCorr); err != nil {
			o.logger.Warn("failed to cancel turn correlations",
				zap.String("correlation_id", rootCorr),
				zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	var recent []types.Message
	if o.memory != nil {
		recent = o.memory.RecentMessages(ctx, sessionID, o.contextWindow)
	}
	capabilities := o.registry.Capabilities()

	plan, source, reprompts := o.acquirePlan(ctx, query, recent, capabilities)

	result := types.TurnResult{
		SessionID:        sessionID,
		PlanSource:       source,
		RepromptAttempts: reprompts,
	}

	if plan.Empty() {
		result.PlanSource = types.PlanSourceNone
		result.Answer, result.Partial, result.Errors = o.synthesiseGeneral(ctx, query, recent)
	} else {
		plan = o.pruneUnservable(plan)
		result.TaskResults = o.executePlan(ctx, rootCorr, sessionID, userID, plan)
		result.Answer, result.Partial, result.Errors = o.synthesise(ctx, query, plan, result.TaskResults)
	}

	o.remember(ctx, sessionID, userID, query, result.Answer)
	_ = o.tracker.Complete(rootCorr)

	o.logger.Info("turn completed",
		zap.String("session_id", sessionID),
		zap.String("correlation_id", rootCorr),
		zap.String("plan_source", string(result.PlanSource)),
		zap.Int("tasks", len(result.TaskResults)),
		zap.Bool("partial", result.Partial))
	return result, nil
}

// acquirePlan obtains a task plan: cache, then LLM with reprompt repair,
// then the keyword router. Low-confidence LLM plans are confirmed against
// the router; on capability disagreement the keyword plan wins.
func (o *Orchestrator) acquirePlan(ctx context.Context, query string, recent []types.Message, capabilities []string) (types.TaskPlan, types.PlanSource, int) {
	prompt := buildPlanningPrompt(query, recent, capabilities)
	fingerprint := cache.Fingerprint(prompt, o.provider.Model(), nil)

	if o.cache != nil {
		if text, ok := o.cache.Get(ctx, fingerprint); ok {
			if plan, _, _, err := parsePlanText(text); err == nil {
				return plan, types.PlanSourceCache, 0
			}
			o.logger.Warn("cached plan no longer parses, replanning",
				zap.String("fingerprint", fingerprint))
		}
	}

	outcome, err := o.planner.plan(ctx, prompt, query)
	if err != nil {
		o.logger.Warn("planning failed, falling back to keyword router",
			zap.Int("reprompt_attempts", outcome.attempts),
			zap.Error(err))
		return o.router.Route(query), types.PlanSourceKeyword, outcome.attempts
	}

	if outcome.confidence < o.confidenceThreshold {
		keyword := o.router.Route(query)
		if !keyword.Empty() && !sameCapabilitySet(outcome.plan, keyword) {
			o.logger.Info("low-confidence plan overridden by keyword router",
				zap.Float64("confidence", outcome.confidence),
				zap.Strings("llm_capabilities", outcome.plan.Capabilities()),
				zap.Strings("keyword_capabilities", keyword.Capabilities()))
			return keyword, types.PlanSourceKeyword, outcome.attempts
		}
	}

	if o.cache != nil {
		o.cache.Put(ctx, fingerprint, outcome.raw)
	}
	return outcome.plan, types.PlanSourceLLM, outcome.attempts
}

// pruneUnservable drops optional tasks whose capability no agent serves and
// releases dependents from the dropped IDs. Non-optional unservable tasks
// stay in the plan: dispatch fails them with CapabilityMissing, which the
// partial composition turns into a notice.
func (o *Orchestrator) pruneUnservable(plan types.TaskPlan) types.TaskPlan {
	match := o.registry.MatchPlan(plan.Capabilities())
	if match.Complete() {
		return plan
	}
	missing := make(map[string]bool, len(match.Missing))
	for _, cap := range match.Missing {
		missing[cap] = true
	}

	dropped := make(map[string]bool)
	kept := make([]types.TaskSpec, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		if task.Optional && missing[task.Capability] {
			dropped[task.TaskID] = true
			o.logger.Info("dropping optional task with no serving agent",
				zap.String("task_id", task.TaskID),
				zap.String("capability", task.Capability))
			continue
		}
		kept = append(kept, task)
	}
	if len(dropped) == 0 {
		return plan
	}

	for i := range kept {
		if len(kept[i].Dependencies) == 0 {
			continue
		}
		deps := kept[i].Dependencies[:0]
		for _, dep := range kept[i].Dependencies {
			if !dropped[dep] {
				deps = append(deps, dep)
			}
		}
		if len(deps) == 0 {
			deps = nil
		}
		kept[i].Dependencies = deps
	}
	return types.TaskPlan{Tasks: kept}
}

// synthesise produces the final answer. Fully successful plans go through
// LLM synthesis (cached); any non-optional failure switches to deterministic
// partial composition so notices reach the user verbatim.
func (o *Orchestrator) synthesise(ctx context.Context, query string, plan types.TaskPlan, results []types.TaskResult) (string, bool, []string) {
	var errors []string
	partial := false
	successes := 0
	for i, r := range results {
		if r.Succeeded() {
			successes++
			continue
		}
		if plan.Tasks[i].Optional {
			o.logger.Info("optional task failed",
				zap.String("task_id", r.TaskID),
				zap.String("capability", r.Capability),
				zap.Error(r.Err))
			continue
		}
		partial = true
		errors = append(errors, r.Err.Error())
	}

	if partial {
		answer, _ := resilience.ComposePartial(results)
		if answer == "" {
			answer = o.templates.Render(resilience.CategoryAgentFailure)
		}
		return answer, true, errors
	}

	if successes == 0 {
		// Every task was optional and every one failed; answer from the
		// query alone.
		answer, p, errs := o.synthesiseGeneral(ctx, query, nil)
		return answer, p, errs
	}

	prompt := buildSynthesisPrompt(query, results)
	answer, err := o.generateCached(ctx, prompt)
	if err != nil {
		o.logger.Warn("synthesis failed, composing answer from task results",
			zap.Error(err))
		answer, _ = resilience.ComposePartial(results)
		if answer == "" {
			return o.templates.RenderFor(err), true, []string{err.Error()}
		}
	}
	return answer, false, nil
}

// synthesiseGeneral answers without a plan: pure-conversation turns and
// empty keyword routes land here.
func (o *Orchestrator) synthesiseGeneral(ctx context.Context, query string, recent []types.Message) (string, bool, []string) {
	prompt := buildGeneralPrompt(query, recent)
	answer, err := o.generateCached(ctx, prompt)
	if err != nil {
		o.logger.Warn("general synthesis failed, using emergency template",
			zap.Error(err))
		return o.templates.RenderFor(err), true, []string{err.Error()}
	}
	return answer, false, nil
}

// generateCached runs one LLM call through the response cache.
func (o *Orchestrator) generateCached(ctx context.Context, prompt string) (string, error) {
	fingerprint := cache.Fingerprint(prompt, o.provider.Model(), nil)
	if o.cache != nil {
		if text, ok := o.cache.Get(ctx, fingerprint); ok {
			return text, nil
		}
	}
	resp, err := o.provider.Generate(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return "", err
	}
	if o.cache != nil {
		o.cache.Put(ctx, fingerprint, resp.Text)
	}
	return resp.Text, nil
}

// remember records the user and assistant turns. Memory failures are logged,
// never surfaced: the answer already exists.
func (o *Orchestrator) remember(ctx context.Context, sessionID, userID, query, answer string) {
	if o.memory == nil {
		return
	}
	sender := userID
	if sender == "" {
		sender = "user"
	}
	if err := o.memory.AppendMessage(ctx, sessionID, userID, types.Message{
		Sender:  sender,
		Content: query,
	}); err != nil {
		o.logger.Warn("failed to record user turn",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.memory.AppendMessage(ctx, sessionID, userID, types.Message{
		Sender:  "assistant",
		Content: answer,
	}); err != nil {
		o.logger.Warn("failed to record assistant turn",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
