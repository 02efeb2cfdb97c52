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

package sse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/transport"
	"github.com/teradata-labs/weft/pkg/types"
)

// Client is the remote-agent side of the bridge: it listens on an endpoint
// topic's SSE stream and POSTs responses back to /publish.
type Client struct {
	endpoint   string
	sseClient  *sse.Client
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the bridge's base URL, e.g. http://mesh:8700. Required.
	Endpoint string

	// Headers are sent with the SSE subscription, e.g. auth tokens.
	Headers map[string]string

	// Logger receives client diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// NewClient builds a Client against a bridge endpoint.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sseClient := sse.NewClient(cfg.Endpoint + "/events")
	for k, v := range cfg.Headers {
		sseClient.Headers[k] = v
	}

	c := &Client{
		endpoint:  cfg.Endpoint,
		sseClient: sseClient,
		httpClient: &http.Client{
			Timeout: 10 * time.Second, // Prevent hanging on unreachable servers
		},
		logger: logger,
	}

	sseClient.OnDisconnect(func(_ *sse.Client) {
		c.logger.Warn("SSE disconnected", zap.String("endpoint", cfg.Endpoint))
	})

	return c, nil
}

// Listen subscribes to the stream named topic and invokes handler for each
// decoded event. It blocks until ctx is cancelled or the connection fails,
// so callers run it in a goroutine.
func (c *Client) Listen(ctx context.Context, topic string, handler func(types.Event)) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	return c.sseClient.SubscribeWithContext(ctx, topic, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		evt, err := transport.Decode(msg.Data)
		if err != nil {
			c.logger.Warn("dropping undecodable event",
				zap.String("topic", topic),
				zap.Error(err))
			return
		}
		handler(evt)
	})
}

// Publish sends one event to the bridge's /publish endpoint.
func (c *Client) Publish(ctx context.Context, evt types.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client closed")
	}
	c.mu.Unlock()

	data, err := transport.Encode(evt)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/publish", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Close marks the client closed. Active Listen calls end when their context
// is cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
