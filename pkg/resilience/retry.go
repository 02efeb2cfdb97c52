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
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultMaxAgentRetries is how many times a failed task is retried on
	// the same agent before alternate routing.
	DefaultMaxAgentRetries = 2

	// DefaultRetryDelay separates same-agent attempts.
	DefaultRetryDelay = time.Second
)

// Retryable reports whether a failed dispatch may be retried on the same
// agent. Malformed input never heals on retry, an open circuit moves
// straight to alternate routing, and cancellation ends the task.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch types.KindOf(err) {
	case types.ErrKindValidation,
		types.ErrKindCircuitOpen,
		types.ErrKindCapabilityMissing,
		types.ErrKindCancelled,
		types.ErrKindFatalConfig:
		return false
	}
	return true
}

// RetrierConfig tunes a Retrier. The zero value gets defaults.
type RetrierConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default 2.
	MaxRetries int

	// Delay between attempts. Default 1s.
	Delay time.Duration

	Logger *zap.Logger
	Clock  clockwork.Clock
}

// Retrier reruns an operation on retryable failures with a fixed delay.
type Retrier struct {
	maxRetries int
	delay      time.Duration
	logger     *zap.Logger
	clock      clockwork.Clock
}

// NewRetrier creates a Retrier with defaults applied.
func NewRetrier(cfg RetrierConfig) *Retrier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxAgentRetries
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Retrier{
		maxRetries: cfg.MaxRetries,
		delay:      cfg.Delay,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
	}
}

// MaxAttempts is the total attempt budget (first attempt plus retries).
func (r *Retrier) MaxAttempts() int { return r.maxRetries + 1 }

// Do runs op until it succeeds, fails non-retryably, or exhausts the attempt
// budget. attempt is 1-based. The context aborts the inter-attempt wait.
func (r *Retrier) Do(ctx context.Context, label string, op func(attempt int) error) error {
	attempts := r.MaxAttempts()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(attempt)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt == attempts {
			return err
		}

		r.logger.Warn("retrying after failure",
			zap.String("operation", label),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))

		select {
		case <-r.clock.After(r.delay):
		case <-ctx.Done():
			return types.WrapError(types.ErrKindCancelled, "retry wait aborted", ctx.Err())
		}
	}
	return err
}
