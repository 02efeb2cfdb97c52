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

// Package transport bridges the in-process event bus to agents running in
// other processes. A transport forwards task requests outward on their
// endpoint topics and feeds agent responses back onto the bus.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teradata-labs/weft/pkg/types"
)

// AgentTransport is the optional out-of-process delivery surface. The mesh
// starts it after the bus and stops it before bus drain.
type AgentTransport interface {
	// Start begins forwarding bus traffic to remote agents.
	Start(ctx context.Context) error

	// Stop ceases forwarding and releases the transport's resources.
	Stop(ctx context.Context) error
}

// WireEvent is the JSON envelope bus events travel in between processes.
// Field names match the bus payload conventions.
type WireEvent struct {
	ID            string         `json:"id,omitempty"`
	Topic         string         `json:"topic"`
	Payload       map[string]any `json:"payload,omitempty"`
	Sender        string         `json:"sender,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Encode serialises an event for the wire. Delivery mode is a local concern
// and does not travel.
func Encode(evt types.Event) ([]byte, error) {
	return json.Marshal(WireEvent{
		ID:            evt.ID,
		Topic:         evt.Topic,
		Payload:       evt.Payload,
		Sender:        evt.Sender,
		CorrelationID: evt.CorrelationID,
		Timestamp:     evt.Timestamp,
	})
}

// Decode parses a wire envelope back into a bus event.
func Decode(data []byte) (types.Event, error) {
	var w WireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return types.Event{}, types.WrapError(types.ErrKindValidation,
			"failed to decode wire event", err)
	}
	if w.Topic == "" {
		return types.Event{}, types.NewError(types.ErrKindValidation,
			"wire event topic is required")
	}
	return types.Event{
		ID:            w.ID,
		Topic:         w.Topic,
		Payload:       w.Payload,
		Sender:        w.Sender,
		CorrelationID: w.CorrelationID,
		Timestamp:     w.Timestamp,
	}, nil
}
