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

// Package cache is the two-tier LLM response cache: an in-memory LRU in
// front of a content-addressed blob store. Reads check memory first, then
// disk, promoting disk hits; writes land in memory synchronously and reach
// the blob store through a single write-behind goroutine.
package cache

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/blob"
)

const (
	// DefaultCapacity is the in-memory LRU entry limit.
	DefaultCapacity = 500

	// DefaultTTL is how long a cached response stays valid.
	DefaultTTL = 24 * time.Hour

	// DefaultSweepInterval is how often expired entries are purged.
	DefaultSweepInterval = time.Hour

	// DefaultCompressionThreshold is the serialized size above which blobs
	// are gzip-compressed.
	DefaultCompressionThreshold = 4 * 1024

	// writeQueueSize bounds the write-behind queue.
	writeQueueSize = 128

	blobPrefix = "cache/"
)

// gzipMagic prefixes compressed blob records so reads can distinguish them
// from plain JSON.
var gzipMagic = []byte("wfz1")

// Config configures a ResponseCache.
type Config struct {
	// Capacity is the in-memory LRU entry limit.
	Capacity int

	// TTL is the entry lifetime from Put.
	TTL time.Duration

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration

	// CompressionThreshold is the serialized size in bytes above which a
	// blob record is gzip-compressed.
	CompressionThreshold int

	// Store is the persistent tier. Nil disables it: the cache runs
	// memory-only.
	Store blob.Store

	// Logger receives cache diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock supplies time; tests inject a fake.
	Clock clockwork.Clock
}

// Stats is a snapshot of cache counters.
type Stats struct {
	MemoryHits    uint64
	DiskHits      uint64
	Misses        uint64
	HitRate       float64
	MemorySize    int
	DiskSize      int
	DroppedWrites uint64
}

// record is the serialized form of one cache entry.
type record struct {
	Fingerprint string    `json:"fingerprint"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type memEntry struct {
	fingerprint string
	response    string
	expiresAt   time.Time
}

type writeJob struct {
	key  string
	data []byte
}

// ResponseCache is the two-tier response cache. All methods are safe for
// concurrent use.
type ResponseCache struct {
	logger *zap.Logger
	clock  clockwork.Clock
	store  blob.Store

	capacity             int
	ttl                  time.Duration
	compressionThreshold int

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element

	writeCh    chan writeJob
	writerDone chan struct{}
	cronEngine *cron.Cron
	closed     atomic.Bool
	closeOnce  sync.Once

	memoryHits    atomic.Uint64
	diskHits      atomic.Uint64
	misses        atomic.Uint64
	droppedWrites atomic.Uint64
}

// New creates a ResponseCache and starts its write-behind worker and expiry
// sweep.
func New(cfg Config) *ResponseCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	c := &ResponseCache{
		logger:               cfg.Logger,
		clock:                cfg.Clock,
		store:                cfg.Store,
		capacity:             cfg.Capacity,
		ttl:                  cfg.TTL,
		compressionThreshold: cfg.CompressionThreshold,
		order:                list.New(),
		entries:              make(map[string]*list.Element),
		writeCh:              make(chan writeJob, writeQueueSize),
		writerDone:           make(chan struct{}),
		cronEngine:           cron.New(),
	}

	go c.writer()
	if _, err := c.cronEngine.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), c.sweep); err != nil {
		c.logger.Error("failed to schedule cache sweep", zap.Error(err))
	}
	c.cronEngine.Start()
	return c
}

// Get returns the cached response for a fingerprint. Expired and corrupt
// entries are deleted and reported as misses.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	if elem, ok := c.entries[fingerprint]; ok {
		entry := elem.Value.(*memEntry)
		if now.Before(entry.expiresAt) {
			c.order.MoveToFront(elem)
			c.mu.Unlock()
			c.memoryHits.Add(1)
			return entry.response, true
		}
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	if c.store == nil {
		c.misses.Add(1)
		return "", false
	}

	rec, ok := c.readBlob(ctx, fingerprint)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if !now.Before(rec.ExpiresAt) {
		c.deleteBlob(ctx, fingerprint)
		c.misses.Add(1)
		return "", false
	}

	c.diskHits.Add(1)
	c.promote(fingerprint, rec.Response, rec.ExpiresAt)
	return rec.Response, true
}

// Put caches a response under its fingerprint. The memory tier is updated
// synchronously; the blob write happens behind a bounded queue.
func (c *ResponseCache) Put(ctx context.Context, fingerprint, response string) {
	if fingerprint == "" || c.closed.Load() {
		return
	}
	now := c.clock.Now()
	expiresAt := now.Add(c.ttl)

	c.promote(fingerprint, response, expiresAt)

	if c.store == nil {
		return
	}
	data, err := json.Marshal(record{
		Fingerprint: fingerprint,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		c.logger.Error("failed to encode cache record",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return
	}
	if len(data) > c.compressionThreshold {
		data = compress(data)
	}

	select {
	case c.writeCh <- writeJob{key: blobPrefix + fingerprint, data: data}:
	default:
		c.droppedWrites.Add(1)
		c.logger.Warn("write-behind queue full, dropping blob write",
			zap.String("fingerprint", fingerprint))
	}
}

// Stats returns a snapshot of cache counters. DiskSize is -1 when the
// persistent tier cannot be listed.
func (c *ResponseCache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	memSize := c.order.Len()
	c.mu.Unlock()

	s := Stats{
		MemoryHits:    c.memoryHits.Load(),
		DiskHits:      c.diskHits.Load(),
		Misses:        c.misses.Load(),
		MemorySize:    memSize,
		DroppedWrites: c.droppedWrites.Load(),
	}
	if total := s.MemoryHits + s.DiskHits + s.Misses; total > 0 {
		s.HitRate = float64(s.MemoryHits+s.DiskHits) / float64(total)
	}
	if c.store != nil {
		keys, err := c.store.List(ctx, blobPrefix)
		if err != nil {
			s.DiskSize = -1
		} else {
			s.DiskSize = len(keys)
		}
	}
	return s
}

// Clear empties both tiers and resets all counters.
func (c *ResponseCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()

	c.memoryHits.Store(0)
	c.diskHits.Store(0)
	c.misses.Store(0)
	c.droppedWrites.Store(0)

	if c.store == nil {
		return nil
	}
	keys, err := c.store.List(ctx, blobPrefix)
	if err != nil {
		return fmt.Errorf("failed to list cache blobs: %w", err)
	}
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete cache blob %s: %w", key, err)
		}
	}
	return nil
}

// Close drains the write-behind queue and stops the sweep. The blob store
// itself is not closed; the caller owns it.
func (c *ResponseCache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cronEngine.Stop()
		close(c.writeCh)
		<-c.writerDone
	})
	return nil
}

// promote inserts or refreshes a memory entry at the front of the LRU,
// evicting the tail past capacity.
func (c *ResponseCache) promote(fingerprint, response string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[fingerprint]; ok {
		entry := elem.Value.(*memEntry)
		entry.response = response
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&memEntry{
		fingerprint: fingerprint,
		response:    response,
		expiresAt:   expiresAt,
	})
	c.entries[fingerprint] = elem

	for c.order.Len() > c.capacity {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.removeLocked(tail)
	}
}

func (c *ResponseCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.fingerprint)
}

func (c *ResponseCache) writer() {
	defer close(c.writerDone)
	for job := range c.writeCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.store.Write(ctx, job.key, job.data)
		cancel()
		if err != nil {
			c.logger.Warn("write-behind failed",
				zap.String("key", job.key),
				zap.Error(err))
		}
	}
}

// readBlob loads and decodes one blob record. Corrupt records are deleted
// and reported as absent.
func (c *ResponseCache) readBlob(ctx context.Context, fingerprint string) (record, bool) {
	data, err := c.store.Read(ctx, blobPrefix+fingerprint)
	if err != nil {
		return record{}, false
	}

	if bytes.HasPrefix(data, gzipMagic) {
		data, err = decompress(data)
		if err != nil {
			c.logger.Warn("corrupt compressed cache blob, deleting",
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
			c.deleteBlob(ctx, fingerprint)
			return record{}, false
		}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.ExpiresAt.IsZero() {
		c.logger.Warn("corrupt cache blob, deleting",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		c.deleteBlob(ctx, fingerprint)
		return record{}, false
	}
	return rec, true
}

func (c *ResponseCache) deleteBlob(ctx context.Context, fingerprint string) {
	if err := c.store.Delete(ctx, blobPrefix+fingerprint); err != nil {
		c.logger.Debug("failed to delete cache blob",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
	}
}

// sweep purges expired entries from both tiers.
func (c *ResponseCache) sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	var expired []*list.Element
	for _, elem := range c.entries {
		if !now.Before(elem.Value.(*memEntry).expiresAt) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	removed := len(expired)
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		keys, err := c.store.List(ctx, blobPrefix)
		if err != nil {
			c.logger.Debug("cache sweep could not list blobs", zap.Error(err))
		} else {
			for _, key := range keys {
				fingerprint := strings.TrimPrefix(key, blobPrefix)
				rec, ok := c.readBlob(ctx, fingerprint)
				if ok && now.Before(rec.ExpiresAt) {
					continue
				}
				if ok {
					c.deleteBlob(ctx, fingerprint)
				}
				removed++
			}
		}
	}

	if removed > 0 {
		c.logger.Debug("cache sweep", zap.Int("removed", removed))
	}
}

func compress(data []byte) []byte {
	var buf bytes.Buffer
	buf.Write(gzipMagic)
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data[len(gzipMagic):]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
