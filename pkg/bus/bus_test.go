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
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft/pkg/types"
)

func newTestBus(t *testing.T) *MessageBus {
	t.Helper()
	b := New(Config{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func waitEvent(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return types.Event{}
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan types.Event, 1)
	sub, err := b.Subscribe("listener", "user.request", func(_ context.Context, evt types.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	err = b.Publish(context.Background(), types.Event{
		Topic:   "user.request",
		Sender:  "gateway",
		Payload: map[string]any{"query": "hello"},
	})
	require.NoError(t, err)

	evt := waitEvent(t, received)
	assert.Equal(t, "user.request", evt.Topic)
	assert.Equal(t, "gateway", evt.Sender)
	assert.Equal(t, "hello", evt.Payload["query"])
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestBusRejectsInvalidInput(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("", "user.request", func(context.Context, types.Event) error { return nil })
	assert.Error(t, err)

	_, err = b.Subscribe("listener", "user.request", nil)
	assert.Error(t, err)

	_, err = b.Subscribe("listener", "task.**.weather", func(context.Context, types.Event) error { return nil })
	assert.Error(t, err)

	err = b.Publish(context.Background(), types.Event{Topic: "user.*", Sender: "x"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindValidation))

	err = b.Publish(context.Background(), types.Event{Topic: "", Sender: "x"})
	assert.Error(t, err)
}

func TestBusWildcardFanout(t *testing.T) {
	b := newTestBus(t)

	var hits atomic.Int64
	done := make(chan struct{}, 8)
	handler := func(context.Context, types.Event) error {
		hits.Add(1)
		done <- struct{}{}
		return nil
	}

	patterns := []string{
		"task.response.weather.get",
		"task.response.*.get",
		"task.response.**",
		"**",
		"task.request.**", // must not match
	}
	for i, p := range patterns {
		_, err := b.Subscribe(fmt.Sprintf("agent-%d", i), p, handler)
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), types.Event{
		Topic:  "task.response.weather.get",
		Sender: "weather-1",
	}))

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 4 deliveries, saw %d", hits.Load())
		}
	}
	// Give a stray fifth delivery a moment to surface.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(4), hits.Load())
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Publish(context.Background(), types.Event{Topic: "user.request", Sender: "x"}))
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.TotalPublished)
	assert.Equal(t, uint64(0), stats.TotalDelivered)
}

func TestBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan types.Event, 2)
	sub, err := b.Subscribe("listener", "user.**", func(_ context.Context, evt types.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), types.Event{Topic: "user.request", Sender: "x"}))
	waitEvent(t, received)

	require.NoError(t, b.Unsubscribe(sub))
	assert.Error(t, b.Unsubscribe(sub))

	require.NoError(t, b.Publish(context.Background(), types.Event{Topic: "user.request", Sender: "x"}))
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusAtLeastOnceRedelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Logger: zaptest.NewLogger(t), Clock: clock})
	defer func() { _ = b.Stop(context.Background()) }()

	var calls atomic.Int64
	done := make(chan struct{})
	_, err := b.Subscribe("flaky", "task.request.stock.quote", func(context.Context, types.Event) error {
		n := calls.Add(1)
		if n < 3 {
			return fmt.Errorf("transient failure %d", n)
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), types.Event{
		Topic:    "task.request.stock.quote",
		Sender:   "orchestrator",
		Delivery: types.AtLeastOnce,
	}))

	// Each failed attempt parks the worker on the backoff timer; release it.
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(3 * time.Second)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for successful redelivery")
	}

	stats := b.Stats()
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, uint64(2), stats.TotalRetried)
	assert.Equal(t, uint64(1), stats.TotalDelivered)
	assert.Equal(t, uint64(2), stats.TotalFailed)
	assert.Equal(t, uint64(0), stats.TotalDeadLettered)
}

func TestBusDeadLetterAfterExhaustion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Logger: zaptest.NewLogger(t), Clock: clock})
	defer func() { _ = b.Stop(context.Background()) }()

	var calls atomic.Int64
	_, err := b.Subscribe("broken", "task.request.stock.quote", func(context.Context, types.Event) error {
		calls.Add(1)
		return fmt.Errorf("permanent failure")
	})
	require.NoError(t, err)

	dlq := make(chan types.Event, 1)
	_, err = b.Subscribe("dlq-monitor", "dlq.**", func(_ context.Context, evt types.Event) error {
		dlq <- evt
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), types.Event{
		Topic:         "task.request.stock.quote",
		Sender:        "orchestrator",
		CorrelationID: "corr-1",
		Delivery:      types.AtLeastOnce,
		Payload:       map[string]any{"symbol": "TDC"},
	}))

	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(3 * time.Second)
	}

	evt := waitEvent(t, dlq)
	assert.Equal(t, "dlq.task.request.stock.quote", evt.Topic)
	assert.Equal(t, "corr-1", evt.CorrelationID)
	assert.Equal(t, "task.request.stock.quote", evt.Payload["originalTopic"])
	assert.Equal(t, 5, evt.Payload["attempts"])
	assert.Contains(t, evt.Payload["error"], "permanent failure")

	assert.Equal(t, int64(5), calls.Load())
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.TotalDeadLettered)
}

func TestBusOrderedPerSenderTopic(t *testing.T) {
	b := newTestBus(t)

	const n = 20
	var mu sync.Mutex
	bySender := make(map[string][]int)
	done := make(chan struct{}, 2*n)

	_, err := b.Subscribe("collector", "task.request.**", func(_ context.Context, evt types.Event) error {
		mu.Lock()
		bySender[evt.Sender] = append(bySender[evt.Sender], evt.Payload["seq"].(int))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	// Interleave two senders on the same topic; each sender's sequence must
	// come back in publish order.
	for i := 0; i < n; i++ {
		for _, sender := range []string{"alpha", "beta"} {
			require.NoError(t, b.Publish(context.Background(), types.Event{
				Topic:    "task.request.weather.get",
				Sender:   sender,
				Delivery: types.Ordered,
				Payload:  map[string]any{"seq": i},
			}))
		}
	}

	for i := 0; i < 2*n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ordered deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, sender := range []string{"alpha", "beta"} {
		require.Len(t, bySender[sender], n)
		for i, seq := range bySender[sender] {
			assert.Equal(t, i, seq, "sender %s out of order at %d", sender, i)
		}
	}
	assert.Equal(t, 2, b.Stats().OrderedLanes)
}

func TestBusStopRejectsNewWork(t *testing.T) {
	b := New(Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, b.Stop(context.Background()))

	err := b.Publish(context.Background(), types.Event{Topic: "user.request", Sender: "x"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe("late", "user.request", func(context.Context, types.Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	// Stop is idempotent.
	require.NoError(t, b.Stop(context.Background()))
}

func TestBusStopDrainsInFlight(t *testing.T) {
	b := New(Config{Logger: zaptest.NewLogger(t)})

	var delivered atomic.Int64
	_, err := b.Subscribe("slow", "user.request", func(context.Context, types.Event) error {
		time.Sleep(100 * time.Millisecond)
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), types.Event{Topic: "user.request", Sender: "x"}))

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, int64(1), delivered.Load())
}

func TestBusStats(t *testing.T) {
	b := newTestBus(t)

	done := make(chan struct{}, 4)
	_, err := b.Subscribe("listener", "metrics.**", func(context.Context, types.Event) error {
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), types.Event{Topic: "metrics.tick", Sender: "x"}))
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.TotalPublished)
	assert.Equal(t, uint64(3), stats.TotalDelivered)
	assert.Equal(t, 1, stats.Subscriptions)
}
