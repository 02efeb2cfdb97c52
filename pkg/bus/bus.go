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

// Package bus implements the in-process event bus every weft component
// communicates through. Topics are dotted paths, subscriptions are wildcard
// patterns ("*" one segment, trailing "**" one or more), and each event
// selects one of three delivery guarantees: best-effort, at-least-once with
// backoff and a dead-letter queue, or per-(sender,topic) ordered delivery.
package bus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/csync"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultWorkers is the delivery worker pool size.
	DefaultWorkers = 8

	// DefaultQueueSize is the shared delivery queue depth. Best-effort
	// events are dropped when the queue is full.
	DefaultQueueSize = 256

	// DefaultDrainGrace bounds how long Stop waits for in-flight handlers.
	DefaultDrainGrace = 5 * time.Second

	retryAttempts  = 5
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
	retryJitter    = 0.2
)

// ErrClosed is returned by Publish and Subscribe after Stop.
var ErrClosed = types.NewError(types.ErrKindTransport, "message bus is closed")

// Handler processes one delivered event. A non-nil error marks the delivery
// failed; under at-least-once delivery it triggers redelivery.
type Handler func(ctx context.Context, event types.Event) error

// Subscription is a live pattern registration on the bus.
type Subscription struct {
	// ID uniquely identifies the subscription.
	ID string

	// AgentID identifies the subscribing component.
	AgentID string

	// Pattern is the topic pattern the subscription matches.
	Pattern string

	handler Handler
}

// Config configures a MessageBus. The zero value is usable: defaults are
// applied for every field.
type Config struct {
	// Workers is the delivery worker pool size.
	Workers int

	// QueueSize is the shared delivery queue depth.
	QueueSize int

	// DrainGrace bounds how long Stop waits for in-flight work.
	DrainGrace time.Duration

	// Logger receives bus diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock supplies time; tests inject a fake.
	Clock clockwork.Clock
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	TotalPublished    uint64
	TotalDelivered    uint64
	TotalDropped      uint64
	TotalRetried      uint64
	TotalDeadLettered uint64
	TotalFailed       uint64
	Subscriptions     int
	OrderedLanes      int
}

type deliveryTask struct {
	sub   *Subscription
	event types.Event
}

type orderedItem struct {
	event types.Event
	subs  []*Subscription
}

type orderedLane struct {
	ch chan orderedItem
}

// MessageBus routes events from publishers to pattern subscribers through a
// fixed worker pool. All methods are safe for concurrent use.
type MessageBus struct {
	logger *zap.Logger
	clock  clockwork.Clock

	subs  *subscriptionTrie
	queue chan deliveryTask
	lanes *csync.ShardedMap[*orderedLane]

	queueSize  int
	drainGrace time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	closed   atomic.Bool

	totalPublished    atomic.Uint64
	totalDelivered    atomic.Uint64
	totalDropped      atomic.Uint64
	totalRetried      atomic.Uint64
	totalDeadLettered atomic.Uint64
	totalFailed       atomic.Uint64
}

// New creates and starts a MessageBus.
func New(cfg Config) *MessageBus {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MessageBus{
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		subs:       newTrie(),
		queue:      make(chan deliveryTask, cfg.QueueSize),
		lanes:      csync.NewShardedMap[*orderedLane](),
		queueSize:  cfg.QueueSize,
		drainGrace: cfg.DrainGrace,
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe registers handler for every topic matching pattern. The returned
// subscription is the handle for Unsubscribe.
func (b *MessageBus) Subscribe(agentID, pattern string, handler Handler) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if agentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:      fmt.Sprintf("%s-%s-%d", agentID, pattern, b.clock.Now().UnixNano()),
		AgentID: agentID,
		Pattern: pattern,
		handler: handler,
	}
	b.subs.insert(sub)

	b.logger.Debug("bus subscribe",
		zap.String("agent_id", agentID),
		zap.String("pattern", pattern),
		zap.String("subscription_id", sub.ID))
	return sub, nil
}

// Unsubscribe removes a subscription. Events already queued for it are
// still delivered.
func (b *MessageBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is required")
	}
	if !b.subs.remove(sub) {
		return fmt.Errorf("subscription %s not found", sub.ID)
	}
	b.logger.Debug("bus unsubscribe",
		zap.String("agent_id", sub.AgentID),
		zap.String("pattern", sub.Pattern),
		zap.String("subscription_id", sub.ID))
	return nil
}

// Publish routes event to every matching subscription under the event's
// delivery mode. A nil error means the event was accepted, not that any
// subscriber existed or succeeded.
func (b *MessageBus) Publish(ctx context.Context, event types.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ValidateTopic(event.Topic); err != nil {
		return types.WrapError(types.ErrKindValidation, "invalid topic", err)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now()
	}

	matched := b.subs.match(event.Topic)
	b.totalPublished.Add(1)
	b.logger.Debug("bus publish",
		zap.String("topic", event.Topic),
		zap.String("event_id", event.ID),
		zap.String("sender", event.Sender),
		zap.String("delivery", event.Delivery.String()),
		zap.Int("matches", len(matched)))

	if len(matched) == 0 {
		return nil
	}

	switch event.Delivery {
	case types.AtLeastOnce:
		return b.enqueueBlocking(ctx, event, matched)
	case types.Ordered:
		return b.enqueueOrdered(ctx, event, matched)
	default:
		b.enqueueBestEffort(event, matched)
		return nil
	}
}

// Stats returns a snapshot of the bus counters.
func (b *MessageBus) Stats() Stats {
	return Stats{
		TotalPublished:    b.totalPublished.Load(),
		TotalDelivered:    b.totalDelivered.Load(),
		TotalDropped:      b.totalDropped.Load(),
		TotalRetried:      b.totalRetried.Load(),
		TotalDeadLettered: b.totalDeadLettered.Load(),
		TotalFailed:       b.totalFailed.Load(),
		Subscriptions:     b.subs.len(),
		OrderedLanes:      b.lanes.Len(),
	}
}

// Stop rejects further publishes, drains queued deliveries for up to the
// drain grace period, then cancels any still-running handlers. The ctx can
// end the wait early.
func (b *MessageBus) Stop(ctx context.Context) error {
	var drainErr error
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-b.clock.After(b.drainGrace):
			drainErr = types.NewError(types.ErrKindTimeout, "bus drain grace elapsed with deliveries in flight")
		case <-ctx.Done():
			drainErr = types.WrapError(types.ErrKindCancelled, "bus stop cancelled", ctx.Err())
		}
		b.cancel()

		stats := b.Stats()
		b.logger.Info("bus stopped",
			zap.Uint64("published", stats.TotalPublished),
			zap.Uint64("delivered", stats.TotalDelivered),
			zap.Uint64("dropped", stats.TotalDropped),
			zap.Uint64("dead_lettered", stats.TotalDeadLettered))
	})
	return drainErr
}

func (b *MessageBus) enqueueBestEffort(event types.Event, subs []*Subscription) {
	for _, sub := range subs {
		select {
		case b.queue <- deliveryTask{sub: sub, event: event}:
		default:
			b.totalDropped.Add(1)
			b.logger.Debug("bus queue full, dropping best-effort event",
				zap.String("topic", event.Topic),
				zap.String("event_id", event.ID),
				zap.String("subscription_id", sub.ID))
		}
	}
}

func (b *MessageBus) enqueueBlocking(ctx context.Context, event types.Event, subs []*Subscription) error {
	for _, sub := range subs {
		select {
		case b.queue <- deliveryTask{sub: sub, event: event}:
		case <-ctx.Done():
			return types.WrapError(types.ErrKindCancelled, "publish cancelled while enqueueing", ctx.Err())
		case <-b.stopCh:
			return ErrClosed
		}
	}
	return nil
}

func (b *MessageBus) enqueueOrdered(ctx context.Context, event types.Event, subs []*Subscription) error {
	lane := b.laneFor(event.Sender, event.Topic)
	select {
	case lane.ch <- orderedItem{event: event, subs: subs}:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrKindCancelled, "publish cancelled while enqueueing", ctx.Err())
	case <-b.stopCh:
		return ErrClosed
	}
}

// laneFor returns the ordered lane for a (sender, topic) pair, starting its
// goroutine on first use. Lanes live until the bus stops.
func (b *MessageBus) laneFor(sender, topic string) *orderedLane {
	key := sender + "\x00" + topic
	lane := &orderedLane{ch: make(chan orderedItem, b.queueSize)}
	existing, loaded := b.lanes.GetOrSet(key, lane)
	if loaded {
		return existing
	}
	b.wg.Add(1)
	go b.laneWorker(lane, sender, topic)
	return lane
}

// laneWorker delivers one lane's events in publish order with at most one
// handler invocation in flight.
func (b *MessageBus) laneWorker(lane *orderedLane, sender, topic string) {
	defer b.wg.Done()
	for {
		select {
		case item := <-lane.ch:
			b.deliverOrdered(item)
		case <-b.stopCh:
			for {
				select {
				case item := <-lane.ch:
					b.deliverOrdered(item)
				default:
					b.logger.Debug("ordered lane drained",
						zap.String("sender", sender),
						zap.String("topic", topic))
					return
				}
			}
		}
	}
}

func (b *MessageBus) deliverOrdered(item orderedItem) {
	for _, sub := range item.subs {
		if err := b.invoke(sub, item.event); err != nil {
			b.totalFailed.Add(1)
			b.logger.Error("ordered delivery failed",
				zap.String("topic", item.event.Topic),
				zap.String("event_id", item.event.ID),
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
			continue
		}
		b.totalDelivered.Add(1)
	}
}

func (b *MessageBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case task := <-b.queue:
			b.deliver(task)
		case <-b.stopCh:
			for {
				select {
				case task := <-b.queue:
					b.deliver(task)
				default:
					return
				}
			}
		}
	}
}

func (b *MessageBus) deliver(task deliveryTask) {
	err := b.invoke(task.sub, task.event)
	if err == nil {
		b.totalDelivered.Add(1)
		return
	}
	b.totalFailed.Add(1)

	if task.event.Delivery != types.AtLeastOnce {
		b.logger.Error("delivery failed",
			zap.String("topic", task.event.Topic),
			zap.String("event_id", task.event.ID),
			zap.String("subscription_id", task.sub.ID),
			zap.Error(err))
		return
	}
	b.redeliver(task, err)
}

// redeliver retries an at-least-once delivery with exponential backoff and
// jitter; when attempts are exhausted the event is forwarded to the
// dead-letter topic.
func (b *MessageBus) redeliver(task deliveryTask, lastErr error) {
	delay := retryBaseDelay
	for attempt := 2; attempt <= retryAttempts; attempt++ {
		select {
		case <-b.clock.After(jittered(delay)):
		case <-b.ctx.Done():
			b.deadLetter(task, lastErr, attempt-1)
			return
		}

		b.totalRetried.Add(1)
		b.logger.Debug("redelivering event",
			zap.String("topic", task.event.Topic),
			zap.String("event_id", task.event.ID),
			zap.String("subscription_id", task.sub.ID),
			zap.Int("attempt", attempt))

		lastErr = b.invoke(task.sub, task.event)
		if lastErr == nil {
			b.totalDelivered.Add(1)
			return
		}
		b.totalFailed.Add(1)

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	b.deadLetter(task, lastErr, retryAttempts)
}

// deadLetter publishes the exhausted event to "dlq.<topic>" best-effort.
// It runs even while the bus is draining so late exhaustions are recorded.
func (b *MessageBus) deadLetter(task deliveryTask, lastErr error, attempts int) {
	b.totalDeadLettered.Add(1)
	b.logger.Warn("event dead-lettered",
		zap.String("topic", task.event.Topic),
		zap.String("event_id", task.event.ID),
		zap.String("subscription_id", task.sub.ID),
		zap.String("agent_id", task.sub.AgentID),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))

	dlq := types.Event{
		ID:            uuid.NewString(),
		Topic:         types.DLQTopic(task.event.Topic),
		Sender:        task.event.Sender,
		CorrelationID: task.event.CorrelationID,
		Timestamp:     b.clock.Now(),
		Delivery:      types.BestEffort,
		Payload: map[string]any{
			"originalTopic": task.event.Topic,
			"eventId":       task.event.ID,
			"subscription":  task.sub.ID,
			"agentId":       task.sub.AgentID,
			"attempts":      attempts,
			"error":         lastErr.Error(),
			"payload":       task.event.Payload,
		},
	}
	b.enqueueBestEffort(dlq, b.subs.match(dlq.Topic))
}

// invoke runs one handler, containing panics as delivery errors.
func (b *MessageBus) invoke(sub *Subscription, event types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(b.ctx, event)
}

func jittered(d time.Duration) time.Duration {
	f := 1 + (rand.Float64()*2-1)*retryJitter
	return time.Duration(float64(d) * f)
}
