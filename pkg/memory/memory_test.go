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
package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft/pkg/blob"
	"github.com/teradata-labs/weft/pkg/types"
)

func newTestMemory(t *testing.T, cfg Config) *Memory {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	m := New(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func msg(sender, content string) types.Message {
	return types.Message{Sender: sender, Content: content}
}

func TestAppendAndRecentMessages(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(t, Config{Clock: clock})
	ctx := context.Background()

	assert.Error(t, m.AppendMessage(ctx, "", "u-1", msg("u-1", "hi")))
	assert.Error(t, m.AppendMessage(ctx, "s-1", "u-1", types.Message{Content: "no sender"}))

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", fmt.Sprintf("message %d", i))))
	}

	recent := m.RecentMessages(ctx, "s-1", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "message 2", recent[0].Content)
	assert.Equal(t, "message 3", recent[1].Content)
	assert.False(t, recent[0].Timestamp.IsZero())

	assert.Nil(t, m.RecentMessages(ctx, "missing", 5))
	assert.Equal(t, 1, m.SessionCount())
}

func TestContextForDerivesTopicsEntitiesAndCounts(t *testing.T) {
	m := newTestMemory(t, Config{ContextWindowSize: 2})
	ctx := context.Background()

	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "will it rain in Tokyo next week?")))
	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("assistant", "checking the forecast for Tokyo")))
	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "also book a flight to Osaka")))
	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("assistant", "found an itinerary via Haneda")))

	got, err := m.ContextFor(ctx, "s-1")
	require.NoError(t, err)

	assert.Len(t, got.Messages, 2)
	assert.Equal(t, []string{"travel", "weather"}, got.Topics)
	assert.Contains(t, got.Entities, "Tokyo")
	assert.Contains(t, got.Entities, "Osaka")
	assert.Contains(t, got.Entities, "Haneda")
	assert.Equal(t, 2, got.AgentInteractionCounts["assistant"])
	assert.Zero(t, got.AgentInteractionCounts["u-1"])

	_, err = m.ContextFor(ctx, "missing")
	assert.Error(t, err)
}

func TestSearchRanksFuzzyNewestFirst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(t, Config{Clock: clock})
	ctx := context.Background()

	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "weather in Tokyo")))
	clock.Advance(time.Minute)
	require.NoError(t, m.AppendMessage(ctx, "s-2", "u-1", msg("u-1", "weather in Tokyo")))
	clock.Advance(time.Minute)
	require.NoError(t, m.AppendMessage(ctx, "s-3", "u-2", msg("u-2", "weather in Tokyo")))
	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "stock price of TDC")))

	results := m.Search(ctx, "u-1", "weather tokyo")
	require.Len(t, results, 2)
	// Equal-score matches come back newest first.
	assert.True(t, results[0].Timestamp.After(results[1].Timestamp) ||
		results[0].Timestamp.Equal(results[1].Timestamp))

	// The other user's identical message is invisible.
	for _, r := range results {
		assert.Equal(t, "u-1", r.Sender)
	}

	assert.Empty(t, m.Search(ctx, "u-1", ""))
	assert.Empty(t, m.Search(ctx, "u-1", "zzzqqqxxx"))
}

func TestCompactionFoldsOldestIntoSummary(t *testing.T) {
	m := newTestMemory(t, Config{MaxMessages: 10})
	ctx := context.Background()

	for i := 1; i <= 11; i++ {
		require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", fmt.Sprintf("the weather question %d", i))))
	}

	recent := m.RecentMessages(ctx, "s-1", 100)
	require.Len(t, recent, 6)
	assert.Equal(t, types.SummarySender, recent[0].Sender)
	assert.Contains(t, recent[0].Content, "6 messages")
	assert.Contains(t, recent[0].Content, "weather")
	assert.Equal(t, "the weather question 7", recent[1].Content)
	assert.Equal(t, "the weather question 11", recent[5].Content)
}

func TestSummarise(t *testing.T) {
	m := newTestMemory(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "plan a trip to Kyoto")))
	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("travel-agent", "itinerary for Kyoto ready")))

	summary, err := m.Summarise(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", summary.SessionID)
	assert.Equal(t, "u-1", summary.UserID)
	assert.Equal(t, 2, summary.MessageCount)
	assert.Equal(t, []string{"travel"}, summary.Topics)
	assert.Contains(t, summary.Entities, "Kyoto")
	assert.Equal(t, 1, summary.AgentInteractionCounts["travel-agent"])
	assert.Contains(t, summary.Digest(), "2 messages")
	assert.Contains(t, summary.Digest(), "travel-agent=1")
}

func TestPersistenceAndLazyRestore(t *testing.T) {
	store := blob.NewMemoryStore()
	ctx := context.Background()

	m1 := newTestMemory(t, Config{Store: store})
	require.NoError(t, m1.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "remember this")))
	require.NoError(t, m1.AppendMessage(ctx, "s-1", "u-1", msg("assistant", "noted")))

	keys, err := store.List(ctx, "session/")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// A fresh Memory over the same store restores the session on access.
	m2 := newTestMemory(t, Config{Store: store})
	assert.Equal(t, 0, m2.SessionCount())

	recent := m2.RecentMessages(ctx, "s-1", 10)
	require.Len(t, recent, 2)
	assert.Equal(t, "remember this", recent[0].Content)
	assert.Equal(t, 1, m2.SessionCount())

	// Appends continue the restored log.
	require.NoError(t, m2.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "and this")))
	assert.Len(t, m2.RecentMessages(ctx, "s-1", 10), 3)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := blob.NewMemoryStore()
	m := newTestMemory(t, Config{Clock: clock, Retention: time.Hour, Store: store})
	ctx := context.Background()

	require.NoError(t, m.AppendMessage(ctx, "s-old", "u-1", msg("u-1", "old session")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, m.AppendMessage(ctx, "s-new", "u-1", msg("u-1", "new session")))

	m.sweep()
	assert.Equal(t, 1, m.SessionCount())

	// The mirror blob survives eviction, so access restores the session.
	recent := m.RecentMessages(ctx, "s-old", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "old session", recent[0].Content)
}

func TestIsActive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(t, Config{Clock: clock, SessionTimeout: time.Hour})
	ctx := context.Background()

	require.NoError(t, m.AppendMessage(ctx, "s-1", "u-1", msg("u-1", "hello")))
	assert.True(t, m.IsActive(ctx, "s-1"))

	clock.Advance(2 * time.Hour)
	assert.False(t, m.IsActive(ctx, "s-1"))
	assert.False(t, m.IsActive(ctx, "missing"))
}
