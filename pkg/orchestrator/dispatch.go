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
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/types"
)

// executePlan runs the plan's tasks in dependency waves: a task is dispatched
// only after every dependency succeeded, and tasks within a wave run
// concurrently. Results come back in plan order.
func (o *Orchestrator) executePlan(ctx context.Context, rootCorr, sessionID, userID string, plan types.TaskPlan) []types.TaskResult {
	n := len(plan.Tasks)
	results := make([]types.TaskResult, n)
	state := make(map[string]bool, n) // taskID -> succeeded
	pending := make([]int, 0, n)
	for i := range plan.Tasks {
		pending = append(pending, i)
	}

	for len(pending) > 0 {
		var wave, blocked []int
		next := pending[:0]
		for _, idx := range pending {
			task := plan.Tasks[idx]
			ready, doomed := true, false
			for _, dep := range task.Dependencies {
				ok, settled := state[dep]
				if !settled {
					ready = false
					break
				}
				if !ok {
					doomed = true
					break
				}
			}
			switch {
			case doomed:
				blocked = append(blocked, idx)
			case ready:
				wave = append(wave, idx)
			default:
				next = append(next, idx)
			}
		}
		pending = next

		// A failed dependency fails its dependents without a dispatch,
		// cascading through the remaining waves.
		for _, idx := range blocked {
			task := plan.Tasks[idx]
			dep := failedDependency(task, state)
			results[idx] = types.TaskResult{
				TaskID:     task.TaskID,
				Capability: task.Capability,
				Err: types.NewError(types.ErrKindAgentFailure,
					fmt.Sprintf("dependency %q failed", dep)),
			}
			state[task.TaskID] = false
		}

		if len(wave) == 0 {
			if len(blocked) == 0 && len(pending) > 0 {
				// Unsatisfiable dependencies; Validate rejects these up
				// front, so this is a safety net.
				for _, idx := range pending {
					task := plan.Tasks[idx]
					results[idx] = types.TaskResult{
						TaskID:     task.TaskID,
						Capability: task.Capability,
						Err: types.NewError(types.ErrKindValidation,
							"task has unresolvable dependencies"),
					}
				}
				return results
			}
			continue
		}

		// Higher priority first; plan order breaks ties.
		sort.SliceStable(wave, func(a, b int) bool {
			return plan.Tasks[wave[a]].Priority > plan.Tasks[wave[b]].Priority
		})

		var wg sync.WaitGroup
		for _, idx := range wave {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = o.dispatchTask(ctx, rootCorr, sessionID, userID, plan.Tasks[idx])
			}(idx)
		}
		wg.Wait()

		for _, idx := range wave {
			state[plan.Tasks[idx].TaskID] = results[idx].Succeeded()
		}
	}

	return results
}

func failedDependency(task types.TaskSpec, state map[string]bool) string {
	for _, dep := range task.Dependencies {
		if ok, settled := state[dep]; settled && !ok {
			return dep
		}
	}
	return ""
}

// dispatchTask resolves the task's capability to an agent and dispatches,
// retrying on the same agent before excluding it and routing to an
// alternate. It never returns before the task is settled one way or the
// other.
func (o *Orchestrator) dispatchTask(ctx context.Context, rootCorr, sessionID, userID string, task types.TaskSpec) types.TaskResult {
	start := o.clock.Now()
	result := types.TaskResult{TaskID: task.TaskID, Capability: task.Capability}
	defer func() {
		result.Duration = o.clock.Since(start)
	}()

	var excluded []string
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			result.Err = types.WrapError(types.ErrKindCancelled, "task dispatch aborted", err)
			return result
		}

		agent, err := o.registry.SelectAgent(task.Capability, excluded...)
		if err != nil {
			if lastErr != nil {
				// Agents existed but none got the task done.
				err = types.WrapError(types.ErrKindAgentFailure,
					fmt.Sprintf("no remaining agent for capability %q", task.Capability), lastErr)
			}
			result.Err = err
			return result
		}

		breaker := o.breakers.For(agent.AgentID)
		var payload map[string]any
		var corrID string
		err = o.retrier.Do(ctx, "task "+task.Capability, func(int) error {
			if err := breaker.Allow(); err != nil {
				return err
			}
			result.Attempts++
			var dispatchErr error
			payload, corrID, dispatchErr = o.dispatchOnce(ctx, rootCorr, sessionID, userID, agent, task)
			// A turn-level cancellation says nothing about the agent's
			// health; everything else counts.
			if !types.IsKind(dispatchErr, types.ErrKindCancelled) {
				breaker.Record(dispatchErr)
			}
			return dispatchErr
		})
		if err == nil {
			result.AgentID = agent.AgentID
			result.CorrelationID = corrID
			result.Payload = payload
			return result
		}
		if types.IsKind(err, types.ErrKindCancelled) {
			result.Err = err
			return result
		}

		o.logger.Warn("agent failed task, routing to alternate",
			zap.String("task_id", task.TaskID),
			zap.String("capability", task.Capability),
			zap.String("agent_id", agent.AgentID),
			zap.Error(err))
		lastErr = err
		excluded = append(excluded, agent.AgentID)
	}
}

// dispatchOnce publishes one task request to the agent's endpoint topic and
// awaits the correlated response.
func (o *Orchestrator) dispatchOnce(ctx context.Context, rootCorr, sessionID, userID string, agent *types.AgentRegistration, task types.TaskSpec) (map[string]any, string, error) {
	corrID := uuid.NewString()
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.taskTimeout
	}
	if err := o.tracker.Create(corrID, "task:"+task.Capability, timeout); err != nil {
		return nil, "", err
	}
	if rootCorr != "" {
		if err := o.tracker.AddChild(rootCorr, corrID); err != nil {
			o.logger.Warn("failed to link task correlation",
				zap.String("correlation_id", corrID),
				zap.String("root_correlation_id", rootCorr),
				zap.Error(err))
		}
	}

	topic := agent.EndpointTopic
	if topic == "" {
		topic = types.TaskRequestTopic(task.Capability)
	}
	evt := types.Event{
		Topic: topic,
		Payload: map[string]any{
			"taskId":     task.TaskID,
			"capability": task.Capability,
			"params":     task.Parameters,
			"sessionId":  sessionID,
			"userId":     userID,
		},
		Sender:        senderID,
		CorrelationID: corrID,
		Delivery:      types.AtLeastOnce,
	}
	if err := o.bus.Publish(ctx, evt); err != nil {
		_ = o.tracker.Cancel(corrID)
		return nil, corrID, types.WrapError(types.ErrKindTransport,
			"failed to publish task request", err)
	}

	resp, err := o.tracker.Await(ctx, corrID)
	if err != nil {
		return nil, corrID, err
	}

	body, _ := resp.(map[string]any)
	if msg, ok := body["error"].(string); ok && msg != "" {
		return nil, corrID, types.NewError(types.ErrKindAgentFailure,
			fmt.Sprintf("agent %s reported failure: %s", agent.AgentID, msg))
	}
	return body, corrID, nil
}
