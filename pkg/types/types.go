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

// Package types contains the shared value types of the weft runtime.
//
// Every other weft package imports this one, so it must stay free of
// third-party dependencies to break import cycles between the bus,
// registry, orchestrator, and resilience layers.
package types

import (
	"time"
)

// DeliveryMode controls the delivery guarantee the bus applies to an event.
type DeliveryMode int

const (
	// BestEffort delivers at most once and may drop on subscriber overload.
	BestEffort DeliveryMode = iota

	// AtLeastOnce retries failed handler invocations with exponential
	// backoff. Duplicates are possible; handlers must be idempotent or
	// deduplicate by correlation ID.
	AtLeastOnce

	// Ordered preserves publish order per (sender, topic) pair with a
	// single in-flight handler invocation per subscription.
	Ordered
)

// String returns a human-readable delivery mode name.
func (m DeliveryMode) String() string {
	switch m {
	case BestEffort:
		return "best_effort"
	case AtLeastOnce:
		return "at_least_once"
	case Ordered:
		return "ordered"
	default:
		return "unknown"
	}
}

// Event is an immutable bus record. Once published, contents are frozen:
// the bus hands every subscriber the same value and handlers must not
// mutate the payload map.
type Event struct {
	// ID uniquely identifies the event.
	ID string

	// Topic is a dotted path, e.g. "task.request.weather.get".
	Topic string

	// Payload carries the event body. Treat as read-only after publish.
	Payload map[string]any

	// Sender is the agent ID of the publisher.
	Sender string

	// CorrelationID links request and response events. Empty when the
	// event is not part of a request/response exchange.
	CorrelationID string

	// Timestamp is the publish time recorded by the bus.
	Timestamp time.Time

	// Delivery selects the delivery guarantee.
	Delivery DeliveryMode
}

// AgentStatus describes an agent's availability in the registry.
type AgentStatus int

const (
	// StatusActive means the agent accepts tasks.
	StatusActive AgentStatus = iota

	// StatusBusy means the agent is registered but saturated.
	StatusBusy

	// StatusInactive means the agent stopped heartbeating or deregistered.
	StatusInactive

	// StatusFailed means the agent reported or exhibited a failure.
	StatusFailed
)

// String returns a human-readable status name.
func (s AgentStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusBusy:
		return "BUSY"
	case StatusInactive:
		return "INACTIVE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// AgentRegistration is the registry's record of one agent. AgentID is
// opaque and globally unique; identity is stable across the agent's
// lifetime and equality is by value.
type AgentRegistration struct {
	// AgentID uniquely identifies the agent.
	AgentID string

	// AgentType groups agents of the same implementation, e.g. "weather".
	AgentType string

	// Capabilities lists the capability strings the agent serves,
	// e.g. "weather.get".
	Capabilities []string

	// EndpointTopic is the bus topic the agent consumes task requests on.
	EndpointTopic string

	// Metadata carries free-form agent properties.
	Metadata map[string]string

	// RegisteredAt is when the agent first registered.
	RegisteredAt time.Time

	// LastHeartbeat is the most recent heartbeat receipt time.
	LastHeartbeat time.Time

	// Status is the agent's current availability.
	Status AgentStatus
}

// HasCapability reports whether the registration lists cap.
func (r *AgentRegistration) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hold registrations without
// racing registry mutations.
func (r *AgentRegistration) Clone() *AgentRegistration {
	if r == nil {
		return nil
	}
	out := *r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Message is one conversation turn stored by conversation memory.
type Message struct {
	// Sender is the message author: a user ID, an agent ID, "assistant",
	// or "_summary" for compaction records.
	Sender string `json:"sender"`

	// Content is the message text.
	Content string `json:"content"`

	// Timestamp is when the message was appended.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries free-form message properties.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SummarySender marks compaction summary messages in a session log.
const SummarySender = "_summary"
