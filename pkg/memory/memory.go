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

// Package memory keeps per-session conversation logs and derives the
// planning context from them: recent messages, topics, entities, and agent
// interaction counts. Sessions can be mirrored to a blob store and are
// restored lazily on access.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/csync"
	"github.com/teradata-labs/weft/pkg/blob"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultContextWindowSize is how many recent messages ContextFor
	// returns.
	DefaultContextWindowSize = 20

	// DefaultSessionTimeout is the idle time after which a session stops
	// counting as active.
	DefaultSessionTimeout = 60 * time.Minute

	// DefaultMaxMessages triggers compaction of the oldest messages.
	DefaultMaxMessages = 100

	// DefaultRetention is the idle time after which a session is evicted
	// from memory.
	DefaultRetention = 24 * time.Hour

	// DefaultSweepInterval is how often the retention sweep runs.
	DefaultSweepInterval = 5 * time.Minute

	blobPrefix = "session/"
)

// topicVocabulary is the curated keyword map for topic extraction.
var topicVocabulary = map[string][]string{
	"weather":    {"weather", "temperature", "forecast", "rain", "sunny", "snow"},
	"finance":    {"stock", "price", "market", "invest", "finance", "portfolio"},
	"travel":     {"travel", "trip", "flight", "hotel", "itinerary", "visit"},
	"assistance": {"help", "assist", "support", "how do i", "how to"},
}

// Config configures a conversation Memory.
type Config struct {
	// ContextWindowSize is the recent-message window for ContextFor.
	ContextWindowSize int

	// SessionTimeout is the idle time after which a session is inactive.
	SessionTimeout time.Duration

	// MaxMessages is the log length that triggers compaction.
	MaxMessages int

	// Retention is the idle time after which the sweep evicts a session.
	Retention time.Duration

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration

	// Store mirrors sessions to blobs when set; sessions are restored
	// lazily on access.
	Store blob.Store

	// Logger receives memory diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock supplies time; tests inject a fake.
	Clock clockwork.Clock
}

// Context is the planning context derived from one session.
type Context struct {
	SessionID              string
	Messages               []types.Message
	Topics                 []string
	Entities               []string
	AgentInteractionCounts map[string]int
}

// Summary condenses a whole session.
type Summary struct {
	SessionID              string
	UserID                 string
	MessageCount           int
	Topics                 []string
	Entities               []string
	AgentInteractionCounts map[string]int
	CreatedAt              time.Time
	LastActive             time.Time
}

// Digest renders the summary as one line, the form compaction records use.
func (s Summary) Digest() string {
	parts := []string{fmt.Sprintf("%d messages", s.MessageCount)}
	if len(s.Topics) > 0 {
		parts = append(parts, "topics: "+strings.Join(s.Topics, ", "))
	}
	if len(s.Entities) > 0 {
		parts = append(parts, "entities: "+strings.Join(s.Entities, ", "))
	}
	if len(s.AgentInteractionCounts) > 0 {
		senders := make([]string, 0, len(s.AgentInteractionCounts))
		for sender := range s.AgentInteractionCounts {
			senders = append(senders, sender)
		}
		sort.Strings(senders)
		counts := make([]string, 0, len(senders))
		for _, sender := range senders {
			counts = append(counts, fmt.Sprintf("%s=%d", sender, s.AgentInteractionCounts[sender]))
		}
		parts = append(parts, "interactions: "+strings.Join(counts, ", "))
	}
	return strings.Join(parts, "; ")
}

type session struct {
	mu         sync.Mutex
	id         string
	userID     string
	createdAt  time.Time
	lastActive time.Time
	messages   []types.Message
}

// sessionRecord is the blob form of a session: a header plus the message
// log.
type sessionRecord struct {
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	CreatedAt  time.Time       `json:"createdAt"`
	LastActive time.Time       `json:"lastActive"`
	Messages   []types.Message `json:"messages"`
}

// Memory owns every live session. All methods are safe for concurrent use.
type Memory struct {
	logger *zap.Logger
	clock  clockwork.Clock
	store  blob.Store

	contextWindowSize int
	sessionTimeout    time.Duration
	maxMessages       int
	retention         time.Duration

	sessions   *csync.ShardedMap[*session]
	cronEngine *cron.Cron
	closeOnce  sync.Once
}

// New creates a Memory and starts its retention sweep.
func New(cfg Config) *Memory {
	if cfg.ContextWindowSize <= 0 {
		cfg.ContextWindowSize = DefaultContextWindowSize
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	m := &Memory{
		logger:            cfg.Logger,
		clock:             cfg.Clock,
		store:             cfg.Store,
		contextWindowSize: cfg.ContextWindowSize,
		sessionTimeout:    cfg.SessionTimeout,
		maxMessages:       cfg.MaxMessages,
		retention:         cfg.Retention,
		sessions:          csync.NewShardedMap[*session](),
		cronEngine:        cron.New(),
	}
	if _, err := m.cronEngine.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), m.sweep); err != nil {
		m.logger.Error("failed to schedule memory sweep", zap.Error(err))
	}
	m.cronEngine.Start()
	return m
}

// AppendMessage adds one message to a session's log, creating the session
// on first use for the (sessionID, userID) pair. Over the message limit the
// oldest half of the log is folded into a single summary message.
func (m *Memory) AppendMessage(ctx context.Context, sessionID, userID string, msg types.Message) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if msg.Sender == "" {
		return fmt.Errorf("message sender is required")
	}

	s := m.getOrCreate(ctx, sessionID, userID)
	now := m.clock.Now()

	s.mu.Lock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	s.messages = append(s.messages, msg)
	s.lastActive = now
	if len(s.messages) > m.maxMessages {
		m.compactLocked(s)
	}
	rec := s.recordLocked()
	s.mu.Unlock()

	m.persist(ctx, rec)
	return nil
}

// RecentMessages returns the newest n messages of a session, oldest first.
// n <= 0 means the configured context window.
func (m *Memory) RecentMessages(ctx context.Context, sessionID string, n int) []types.Message {
	s, ok := m.lookup(ctx, sessionID)
	if !ok {
		return nil
	}
	if n <= 0 {
		n = m.contextWindowSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	return append([]types.Message(nil), s.messages[start:]...)
}

// Search ranks the user's messages against the query with fuzzy matching.
// Ties keep newest-first order.
func (m *Memory) Search(ctx context.Context, userID, query string) []types.Message {
	if query == "" {
		return nil
	}

	var candidates []types.Message
	m.sessions.Range(func(_ string, s *session) bool {
		s.mu.Lock()
		if s.userID == userID {
			candidates = append(candidates, s.messages...)
		}
		s.mu.Unlock()
		return true
	})
	// Newest first so equal fuzzy scores resolve to recent messages.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})

	contents := make([]string, len(candidates))
	for i, msg := range candidates {
		contents[i] = msg.Content
	}

	matches := fuzzy.Find(query, contents)
	out := make([]types.Message, 0, len(matches))
	for _, match := range matches {
		out = append(out, candidates[match.Index])
	}
	return out
}

// ContextFor derives the planning context from a session: the recent
// message window plus topics, entities, and per-agent interaction counts
// over the whole log.
func (m *Memory) ContextFor(ctx context.Context, sessionID string) (Context, error) {
	s, ok := m.lookup(ctx, sessionID)
	if !ok {
		return Context{}, fmt.Errorf("session %s not found", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.messages) - m.contextWindowSize
	if start < 0 {
		start = 0
	}
	window := append([]types.Message(nil), s.messages[start:]...)
	topics, entities, counts := extract(s.messages, s.userID)

	return Context{
		SessionID:              sessionID,
		Messages:               window,
		Topics:                 topics,
		Entities:               entities,
		AgentInteractionCounts: counts,
	}, nil
}

// Summarise condenses a session into a Summary.
func (m *Memory) Summarise(ctx context.Context, sessionID string) (Summary, error) {
	s, ok := m.lookup(ctx, sessionID)
	if !ok {
		return Summary{}, fmt.Errorf("session %s not found", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	topics, entities, counts := extract(s.messages, s.userID)
	return Summary{
		SessionID:              sessionID,
		UserID:                 s.userID,
		MessageCount:           len(s.messages),
		Topics:                 topics,
		Entities:               entities,
		AgentInteractionCounts: counts,
		CreatedAt:              s.createdAt,
		LastActive:             s.lastActive,
	}, nil
}

// IsActive reports whether a session saw traffic within the session
// timeout.
func (m *Memory) IsActive(ctx context.Context, sessionID string) bool {
	s, ok := m.lookup(ctx, sessionID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.clock.Since(s.lastActive) < m.sessionTimeout
}

// SessionCount returns the number of in-memory sessions.
func (m *Memory) SessionCount() int {
	return m.sessions.Len()
}

// Close stops the retention sweep.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.cronEngine.Stop()
	})
	return nil
}

func (m *Memory) getOrCreate(ctx context.Context, sessionID, userID string) *session {
	if s, ok := m.lookup(ctx, sessionID); ok {
		return s
	}
	now := m.clock.Now()
	s := &session{
		id:         sessionID,
		userID:     userID,
		createdAt:  now,
		lastActive: now,
	}
	existing, loaded := m.sessions.GetOrSet(sessionID, s)
	if loaded {
		return existing
	}
	m.logger.Debug("session created",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID))
	return s
}

// lookup finds a session in memory, falling back to the blob mirror.
func (m *Memory) lookup(ctx context.Context, sessionID string) (*session, bool) {
	if s, ok := m.sessions.Get(sessionID); ok {
		return s, true
	}
	if m.store == nil || sessionID == "" {
		return nil, false
	}

	data, err := m.store.Read(ctx, blobPrefix+sessionID)
	if err != nil {
		return nil, false
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warn("corrupt session blob",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, false
	}

	s := &session{
		id:         rec.SessionID,
		userID:     rec.UserID,
		createdAt:  rec.CreatedAt,
		lastActive: rec.LastActive,
		messages:   rec.Messages,
	}
	existing, loaded := m.sessions.GetOrSet(sessionID, s)
	if loaded {
		return existing, true
	}
	m.logger.Debug("session restored",
		zap.String("session_id", sessionID),
		zap.Int("messages", len(rec.Messages)))
	return s, true
}

func (s *session) recordLocked() *sessionRecord {
	return &sessionRecord{
		SessionID:  s.id,
		UserID:     s.userID,
		CreatedAt:  s.createdAt,
		LastActive: s.lastActive,
		Messages:   append([]types.Message(nil), s.messages...),
	}
}

// persist mirrors a session to the blob store. Persistence is best-effort;
// the in-memory log stays authoritative.
func (m *Memory) persist(ctx context.Context, rec *sessionRecord) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Error("failed to encode session",
			zap.String("session_id", rec.SessionID),
			zap.Error(err))
		return
	}
	if err := m.store.Write(ctx, blobPrefix+rec.SessionID, data); err != nil {
		m.logger.Warn("failed to mirror session",
			zap.String("session_id", rec.SessionID),
			zap.Error(err))
	}
}

// compactLocked folds the oldest half of the log into one summary message.
// Caller holds s.mu.
func (m *Memory) compactLocked(s *session) {
	keep := m.maxMessages / 2
	if keep < 1 {
		keep = 1
	}
	cut := len(s.messages) - keep
	if cut <= 0 {
		return
	}

	oldest := s.messages[:cut]
	topics, entities, counts := extract(oldest, s.userID)
	digest := Summary{
		SessionID:              s.id,
		MessageCount:           len(oldest),
		Topics:                 topics,
		Entities:               entities,
		AgentInteractionCounts: counts,
	}.Digest()

	summary := types.Message{
		Sender:    types.SummarySender,
		Content:   digest,
		Timestamp: m.clock.Now(),
	}
	compacted := make([]types.Message, 0, keep+1)
	compacted = append(compacted, summary)
	compacted = append(compacted, s.messages[cut:]...)
	s.messages = compacted
}

// sweep evicts sessions idle past the retention period. Mirrored blobs are
// kept for lazy restore.
func (m *Memory) sweep() {
	cutoff := m.clock.Now().Add(-m.retention)
	var evicted int

	m.sessions.Range(func(id string, s *session) bool {
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			m.sessions.Delete(id)
			evicted++
		}
		return true
	})

	if evicted > 0 {
		m.logger.Debug("memory sweep", zap.Int("evicted_sessions", evicted))
	}
}

// extract derives topics, entities, and agent interaction counts from a
// message log. Topics come from the curated vocabulary; entities are
// capitalised tokens longer than three characters.
func extract(messages []types.Message, userID string) ([]string, []string, map[string]int) {
	topicSet := make(map[string]struct{})
	entitySet := make(map[string]struct{})
	counts := make(map[string]int)

	for _, msg := range messages {
		lower := strings.ToLower(msg.Content)
		for topic, keywords := range topicVocabulary {
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					topicSet[topic] = struct{}{}
					break
				}
			}
		}

		for _, token := range strings.FieldsFunc(msg.Content, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(token) > 3 && unicode.IsUpper([]rune(token)[0]) {
				entitySet[token] = struct{}{}
			}
		}

		if msg.Sender != userID && msg.Sender != types.SummarySender && msg.Sender != "user" {
			counts[msg.Sender]++
		}
	}

	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	entities := make([]string, 0, len(entitySet))
	for e := range entitySet {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	return topics, entities, counts
}
