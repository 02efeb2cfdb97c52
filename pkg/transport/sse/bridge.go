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

// Package sse bridges the bus to remote agents over Server-Sent Events.
// Each remote agent holds one SSE stream named after its endpoint topic and
// POSTs its responses back to /publish.
package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/bus"
	"github.com/teradata-labs/weft/pkg/transport"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultTopicPattern selects the bus traffic forwarded to streams.
	DefaultTopicPattern = "task.request.**"

	// bridgeID is the subscriber ID the bridge uses on the bus.
	bridgeID = "sse-bridge"

	// maxPublishBody caps inbound /publish request bodies.
	maxPublishBody = 1 << 20
)

// Config configures a Bridge.
type Config struct {
	// Bus is the in-process event bus to bridge. Required.
	Bus *bus.MessageBus

	// Addr is the listen address for the bridge's own HTTP server.
	// Empty means the caller mounts Handler() on its own server.
	Addr string

	// TopicPattern selects the events forwarded to SSE streams.
	// Defaults to task requests.
	TopicPattern string

	// Logger receives bridge diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Bridge is the SSE binding of transport.AgentTransport. Outbound: bus
// events matching TopicPattern are published to the SSE stream named after
// their topic, but only while a remote agent is connected to it. Inbound:
// POST /publish puts wire events back onto the bus.
type Bridge struct {
	bus     *bus.MessageBus
	pattern string
	logger  *zap.Logger

	server *sse.Server
	mux    *http.ServeMux

	mu         sync.Mutex
	sub        *bus.Subscription
	httpServer *http.Server
}

// New builds a Bridge. Forwarding starts with Start.
func New(cfg Config) (*Bridge, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.TopicPattern == "" {
		cfg.TopicPattern = DefaultTopicPattern
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	server := sse.New()
	// Streams come and go with agent connections; nothing is replayed to
	// late joiners because task requests are correlation-scoped.
	server.AutoStream = true
	server.AutoReplay = false

	b := &Bridge{
		bus:     cfg.Bus,
		pattern: cfg.TopicPattern,
		logger:  cfg.Logger,
		server:  server,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", server.ServeHTTP)
	mux.HandleFunc("/publish", b.handlePublish)
	b.mux = mux
	if cfg.Addr != "" {
		b.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}
	}
	return b, nil
}

// Handler exposes the bridge's HTTP surface (/events, /publish) for mounting
// on an existing server.
func (b *Bridge) Handler() http.Handler {
	return b.mux
}

// Start subscribes the bridge to the bus and, when an address is configured,
// starts its HTTP listener.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return fmt.Errorf("bridge already started")
	}

	sub, err := b.bus.Subscribe(bridgeID, b.pattern, b.forward)
	if err != nil {
		return fmt.Errorf("failed to subscribe bridge: %w", err)
	}
	b.sub = sub

	addr := "(mounted)"
	if b.httpServer != nil {
		addr = b.httpServer.Addr
		go func() {
			if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.logger.Error("bridge HTTP server failed", zap.Error(err))
			}
		}()
	}

	b.logger.Info("sse bridge started",
		zap.String("pattern", b.pattern),
		zap.String("addr", addr))
	return nil
}

// Stop unsubscribes from the bus, closes all SSE streams, and shuts down the
// listener if the bridge owns one.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	srv := b.httpServer
	b.mu.Unlock()

	var firstErr error
	if sub != nil {
		if err := b.bus.Unsubscribe(sub); err != nil {
			firstErr = err
		}
	}
	b.server.Close()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// forward pushes one bus event to the SSE stream named after its topic.
// Returning an error engages the bus retry machinery, so a full stream
// buffer is retried and eventually dead-lettered.
func (b *Bridge) forward(_ context.Context, evt types.Event) error {
	if !b.server.StreamExists(evt.Topic) {
		// No remote agent on this topic right now; in-process subscribers
		// get their own deliveries.
		return nil
	}

	data, err := transport.Encode(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
	}
	if !b.server.TryPublish(evt.Topic, &sse.Event{
		ID:   []byte(evt.ID),
		Data: data,
	}) {
		return types.NewError(types.ErrKindTransport,
			fmt.Sprintf("stream %s is not accepting events", evt.Topic))
	}
	return nil
}

// handlePublish accepts wire events from remote agents and publishes them on
// the bus at least once.
func (b *Bridge) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	evt, err := transport.Decode(body)
	if err != nil {
		b.logger.Warn("rejecting malformed publish", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	evt.Delivery = types.AtLeastOnce

	if err := b.bus.Publish(r.Context(), evt); err != nil {
		b.logger.Error("failed to publish inbound event",
			zap.String("topic", evt.Topic),
			zap.Error(err))
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

var _ transport.AgentTransport = (*Bridge)(nil)
