// Package cache is a multi-level cache for repeatable, expensive pipeline
// computations. Lookups go MEMORY then DISK then PERSISTENT then the compute
// function; writes always land at MEMORY and eviction demotes entries one
// level down. Level capacities come from the active lane.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Level identifies one cache tier.
type Level string

const (
	LevelMemory     Level = "memory"
	LevelDisk       Level = "disk"
	LevelPersistent Level = "persistent"
)

// Entry is the metadata kept for every cached value.
type Entry struct {
	Key        string        `json:"key"`
	SizeBytes  int64         `json:"size_bytes"`
	Tags       []string      `json:"tags,omitempty"`
	TTL        time.Duration `json:"ttl"`
	CreatedAt  time.Time     `json:"created_at"`
	LastAccess time.Time     `json:"last_access"`
	Level      Level         `json:"level"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// record is the on-disk form of an entry.
type record struct {
	Entry Entry           `json:"entry"`
	Value json.RawMessage `json:"value"`
}

// memoryEntry pairs an entry with its live value and LRU position.
type memoryEntry struct {
	entry   Entry
	value   any
	element *list.Element
}

// Options configure a Cache. Capacities of zero disable a level.
type Options struct {
	// Dir roots the disk and persistent levels. Required when either is
	// enabled.
	Dir string

	MemoryEntries int
	DiskEntries   int
	Persistent    bool
	DefaultTTL    time.Duration

	// SweepInterval controls the periodic expiry sweep. Zero disables
	// the sweeper; TTLs are still enforced lazily on read.
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Cache is the multi-level cache. Mutations hold the mutex; reads copy out
// a consistent snapshot before returning.
type Cache struct {
	opts   Options
	logger *slog.Logger

	mutex     sync.Mutex
	memory    map[string]*memoryEntry
	lru       *list.List // front = most recent
	diskIndex map[string]*Entry
	stats     stats

	group singleflight.Group

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates a cache. The disk level starts empty on every process start;
// entries at the persistent level survive restarts and are indexed lazily.
func New(opts Options) (*Cache, error) {
	if opts.MemoryEntries <= 0 {
		return nil, fmt.Errorf("memory level capacity required")
	}
	if (opts.DiskEntries > 0 || opts.Persistent) && opts.Dir == "" {
		return nil, fmt.Errorf("cache directory required for disk or persistent levels")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Cache{
		opts:      opts,
		logger:    opts.Logger,
		memory:    map[string]*memoryEntry{},
		lru:       list.New(),
		diskIndex: map[string]*Entry{},
		sweepStop: make(chan struct{}),
	}

	if opts.DiskEntries > 0 {
		if err := os.RemoveAll(c.levelDir(LevelDisk)); err != nil {
			return nil, fmt.Errorf("failed to reset disk cache: %w", err)
		}
		if err := os.MkdirAll(c.levelDir(LevelDisk), 0755); err != nil {
			return nil, fmt.Errorf("failed to create disk cache: %w", err)
		}
	}
	if opts.Persistent {
		if err := os.MkdirAll(c.levelDir(LevelPersistent), 0755); err != nil {
			return nil, fmt.Errorf("failed to create persistent cache: %w", err)
		}
	}

	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	}
	return c, nil
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

// EntryOption customizes one cached entry.
type EntryOption func(*Entry)

// WithTTL overrides the lane default TTL for an entry.
func WithTTL(ttl time.Duration) EntryOption {
	return func(e *Entry) { e.TTL = ttl }
}

// WithTags attaches tags to an entry.
func WithTags(tags ...string) EntryOption {
	return func(e *Entry) { e.Tags = tags }
}

// GetOrSet returns the cached value for key, computing and storing it on a
// miss. Concurrent callers for the same key share one compute invocation.
func (c *Cache) GetOrSet(ctx context.Context, key string, compute func(ctx context.Context) (any, error), opts ...EntryOption) (any, error) {
	if value, ok := c.get(key); ok {
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have just
		// stored the value.
		if value, ok := c.get(key); ok {
			return value, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.set(key, value, opts...)
		return value, nil
	})
	return value, err
}

// get looks the key up level by level, promoting lower-level hits to
// memory.
func (c *Cache) get(key string) (any, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	if ent, ok := c.memory[key]; ok {
		if ent.entry.expired(now) {
			c.removeMemoryLocked(key)
			c.countMiss()
			return nil, false
		}
		ent.entry.LastAccess = now
		c.lru.MoveToFront(ent.element)
		c.countHit(LevelMemory)
		return ent.value, true
	}

	for _, level := range []Level{LevelDisk, LevelPersistent} {
		if !c.levelEnabled(level) {
			continue
		}
		rec, ok := c.readRecord(level, key)
		if !ok {
			continue
		}
		if rec.Entry.expired(now) {
			c.removeFileLocked(level, key)
			continue
		}
		var value any
		if err := json.Unmarshal(rec.Value, &value); err != nil {
			c.removeFileLocked(level, key)
			continue
		}
		c.promoteLocked(key, value, rec.Entry)
		c.countHit(level)
		return value, true
	}

	c.countMiss()
	return nil, false
}

// set stores a value at the memory level.
func (c *Cache) set(key string, value any, opts ...EntryOption) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry := Entry{
		Key:        key,
		TTL:        c.opts.DefaultTTL,
		CreatedAt:  time.Now(),
		LastAccess: time.Now(),
		Level:      LevelMemory,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	if data, err := json.Marshal(value); err == nil {
		entry.SizeBytes = int64(len(data))
	}
	c.insertMemoryLocked(key, value, entry)
}

// promoteLocked copies a lower-level hit up to memory, keeping its original
// metadata.
func (c *Cache) promoteLocked(key string, value any, entry Entry) {
	entry.Level = LevelMemory
	entry.LastAccess = time.Now()
	c.insertMemoryLocked(key, value, entry)
}

func (c *Cache) insertMemoryLocked(key string, value any, entry Entry) {
	if existing, ok := c.memory[key]; ok {
		existing.value = value
		existing.entry = entry
		c.lru.MoveToFront(existing.element)
		return
	}
	ent := &memoryEntry{entry: entry, value: value}
	ent.element = c.lru.PushFront(key)
	c.memory[key] = ent

	for len(c.memory) > c.opts.MemoryEntries {
		c.evictMemoryLocked()
	}
}

// evictMemoryLocked demotes the least-recently-used memory entry one level
// down.
func (c *Cache) evictMemoryLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	ent := c.memory[key]
	c.removeMemoryLocked(key)
	c.countEviction(LevelMemory)

	if c.opts.DiskEntries > 0 {
		c.writeRecordLocked(LevelDisk, key, ent.value, ent.entry)
		for len(c.diskIndex) > c.opts.DiskEntries {
			c.evictDiskLocked()
		}
	} else if c.opts.Persistent {
		c.writeRecordLocked(LevelPersistent, key, ent.value, ent.entry)
	}
}

// evictDiskLocked demotes the least-recently-used disk entry to the
// persistent level, or drops it when that level is disabled.
func (c *Cache) evictDiskLocked() {
	var oldest *Entry
	for _, entry := range c.diskIndex {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return
	}
	c.countEviction(LevelDisk)
	if c.opts.Persistent {
		if rec, ok := c.readRecord(LevelDisk, oldest.Key); ok {
			var value any
			if err := json.Unmarshal(rec.Value, &value); err == nil {
				c.writeRecordLocked(LevelPersistent, oldest.Key, value, rec.Entry)
			}
		}
	}
	c.removeFileLocked(LevelDisk, oldest.Key)
}

// Invalidate removes a key from every level.
func (c *Cache) Invalidate(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.invalidateLocked(key)
}

func (c *Cache) invalidateLocked(key string) {
	c.removeMemoryLocked(key)
	if c.opts.DiskEntries > 0 {
		c.removeFileLocked(LevelDisk, key)
	}
	if c.opts.Persistent {
		c.removeFileLocked(LevelPersistent, key)
	}
}

// InvalidateByPattern removes every key matching a path-style glob, such as
// "checkpoint/*" or "docs/*/render".
func (c *Cache) InvalidateByPattern(pattern string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	matched := map[string]bool{}
	for key := range c.memory {
		if ok, _ := path.Match(pattern, key); ok {
			matched[key] = true
		}
	}
	for key := range c.diskIndex {
		if ok, _ := path.Match(pattern, key); ok {
			matched[key] = true
		}
	}
	for _, key := range c.persistentKeysLocked() {
		if ok, _ := path.Match(pattern, key); ok {
			matched[key] = true
		}
	}
	for key := range matched {
		c.invalidateLocked(key)
	}
	return len(matched)
}

// ClearAll empties every level.
func (c *Cache) ClearAll() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.memory = map[string]*memoryEntry{}
	c.lru.Init()
	c.diskIndex = map[string]*Entry{}
	for _, level := range []Level{LevelDisk, LevelPersistent} {
		if !c.levelEnabled(level) {
			continue
		}
		if err := os.RemoveAll(c.levelDir(level)); err != nil {
			return fmt.Errorf("failed to clear %s cache: %w", level, err)
		}
		if err := os.MkdirAll(c.levelDir(level), 0755); err != nil {
			return fmt.Errorf("failed to recreate %s cache: %w", level, err)
		}
	}
	return nil
}

// Sweep removes expired entries from every level and returns how many were
// removed.
func (c *Cache) Sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	removed := 0
	for key, ent := range c.memory {
		if ent.entry.expired(now) {
			c.removeMemoryLocked(key)
			removed++
		}
	}
	for key, entry := range c.diskIndex {
		if entry.expired(now) {
			c.removeFileLocked(LevelDisk, key)
			removed++
		}
	}
	for _, key := range c.persistentKeysLocked() {
		if rec, ok := c.readRecord(LevelPersistent, key); ok && rec.Entry.expired(now) {
			c.removeFileLocked(LevelPersistent, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("cache sweep removed expired entries", "removed", removed)
			}
		}
	}
}

func (c *Cache) levelEnabled(level Level) bool {
	switch level {
	case LevelMemory:
		return true
	case LevelDisk:
		return c.opts.DiskEntries > 0
	case LevelPersistent:
		return c.opts.Persistent
	default:
		return false
	}
}

func (c *Cache) levelDir(level Level) string {
	return filepath.Join(c.opts.Dir, string(level))
}

func (c *Cache) recordPath(level Level, key string) string {
	digest := sha256.Sum256([]byte(key))
	return filepath.Join(c.levelDir(level), hex.EncodeToString(digest[:])+".json")
}

func (c *Cache) readRecord(level Level, key string) (record, bool) {
	data, err := os.ReadFile(c.recordPath(level, key))
	if err != nil {
		return record{}, false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, false
	}
	return rec, true
}

func (c *Cache) writeRecordLocked(level Level, key string, value any, entry Entry) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable, dropping on demotion", "key", key, "error", err)
		return
	}
	entry.Level = level
	rec := record{Entry: entry, Value: raw}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	target := c.recordPath(level, key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		c.logger.Warn("failed to write cache record", "key", key, "level", level, "error", err)
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		c.logger.Warn("failed to finalize cache record", "key", key, "level", level, "error", err)
		return
	}
	if level == LevelDisk {
		stored := entry
		c.diskIndex[key] = &stored
	}
}

func (c *Cache) removeMemoryLocked(key string) {
	if ent, ok := c.memory[key]; ok {
		c.lru.Remove(ent.element)
		delete(c.memory, key)
	}
}

func (c *Cache) removeFileLocked(level Level, key string) {
	os.Remove(c.recordPath(level, key))
	if level == LevelDisk {
		delete(c.diskIndex, key)
	}
}

// persistentKeysLocked lists keys present at the persistent level by
// reading record files. The persistent level has no in-memory index since
// it outlives the process.
func (c *Cache) persistentKeysLocked() []string {
	if !c.opts.Persistent {
		return nil
	}
	entries, err := os.ReadDir(c.levelDir(LevelPersistent))
	if err != nil {
		return nil
	}
	var keys []string
	for _, dirEntry := range entries {
		data, err := os.ReadFile(filepath.Join(c.levelDir(LevelPersistent), dirEntry.Name()))
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		keys = append(keys, rec.Entry.Key)
	}
	return keys
}

// Counters below are only touched under c.mutex.

func (c *Cache) countHit(level Level) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Hits.WithLabelValues(string(level)).Inc()
	}
	c.stats.Hits++
}

func (c *Cache) countMiss() {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Misses.Inc()
	}
	c.stats.Misses++
}

func (c *Cache) countEviction(level Level) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Evictions.WithLabelValues(string(level)).Inc()
	}
	c.stats.Evictions++
}
