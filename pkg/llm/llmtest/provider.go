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

// Package llmtest provides a scriptable llm.Provider for tests. Scripted
// outcomes are consumed in FIFO order; when the script is exhausted an
// optional fallback handler serves the call.
package llmtest

import (
	"context"
	"sync"

	"github.com/teradata-labs/weft/internal/csync"
	"github.com/teradata-labs/weft/pkg/llm"
)

// Handler serves calls once the scripted queue is empty. It may block until
// ctx is done to simulate a stalled upstream.
type Handler func(ctx context.Context, req llm.Request) (string, error)

type outcome struct {
	text string
	err  error
}

// Provider is a thread-safe scriptable LLM binding.
type Provider struct {
	model string
	calls *csync.Slice[llm.Request]

	mu      sync.Mutex
	queue   []outcome
	handler Handler
}

// New creates a provider that reports the given default model.
func New(model string) *Provider {
	if model == "" {
		model = "scripted"
	}
	return &Provider{
		model: model,
		calls: csync.NewSlice[llm.Request](),
	}
}

// Enqueue schedules a successful completion.
func (p *Provider) Enqueue(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, outcome{text: text})
}

// EnqueueError schedules a failure. The error is returned verbatim so tests
// control the kind tagging.
func (p *Provider) EnqueueError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, outcome{err: err})
}

// Respond installs the fallback handler used when the queue is empty.
func (p *Provider) Respond(fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = fn
}

// Calls returns a copy of every request seen so far.
func (p *Provider) Calls() []llm.Request {
	return p.calls.Items()
}

// CallCount reports how many Generate calls were made.
func (p *Provider) CallCount() int {
	return p.calls.Len()
}

// LastPrompt returns the prompt of the most recent call, or "".
func (p *Provider) LastPrompt() string {
	calls := p.calls.Items()
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1].Prompt
}

// Reset drops the script, handler, and recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.handler = nil
	p.calls.Clear()
}

// Generate pops the next scripted outcome, falling back to the handler.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}

	p.calls.Append(req)

	p.mu.Lock()
	var next *outcome
	if len(p.queue) > 0 {
		next = &p.queue[0]
		p.queue = p.queue[1:]
	}
	handler := p.handler
	// The handler runs outside the lock so it may block on ctx without
	// serialising concurrent Generate calls.
	p.mu.Unlock()

	switch {
	case next != nil && next.err != nil:
		return llm.Response{}, next.err
	case next != nil:
		return p.response(req, next.text), nil
	case handler != nil:
		text, err := handler(ctx, req)
		if err != nil {
			return llm.Response{}, err
		}
		return p.response(req, text), nil
	default:
		return llm.Response{}, llm.Unavailable("llmtest: no scripted response", nil)
	}
}

// GenerateBatch issues the requests one at a time.
func (p *Provider) GenerateBatch(ctx context.Context, reqs []llm.Request) ([]llm.Response, error) {
	return llm.GenerateSequential(ctx, p, reqs)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "llmtest"
}

// Model returns the default model identifier.
func (p *Provider) Model() string {
	return p.model
}

// response fills in a plausible usage estimate (~4 chars per token).
func (p *Provider) response(req llm.Request, text string) llm.Response {
	model := req.Model
	if model == "" {
		model = p.model
	}
	return llm.Response{
		Text:         text,
		Model:        model,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(text) / 4,
	}
}

var _ llm.Provider = (*Provider)(nil)
