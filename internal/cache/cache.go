// Package cache implements the Cache Tier (C3): a three-level cache
// (local LRU, shared KV, large-object file) with TTL, tagged/glob
// invalidation, and compression (spec.md §4.3), grounded on
// original_source/src/infrastructure/caching/cache_manager.py.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"path"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.etcd.io/bbolt"

	"github.com/swarmguard/orchestrator/internal/config"
)

const compressedMarker = "COMPRESSED:"

var boltBucket = []byte("cache")

// nowFunc is overridable in tests that exercise TTL expiry.
var nowFunc = time.Now

// Entry mirrors spec.md §3's Cache Entry model.
type Entry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int
	LastAccessed time.Time
	Size         int
	Tags         []string
	Compressed   bool
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats are the cache's hit/miss/eviction counters (spec.md §4.3).
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	FileWrites int64
	FileReads  int64
}

// HitRate is hits / (hits + misses).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type lruNode struct {
	key        string
	entry      *Entry
	prev, next *lruNode
}

// Cache is the three-tier Cache Tier (C3).
type Cache struct {
	cfg config.CacheConfig
	db  *bbolt.DB

	mu          sync.Mutex
	localBytes  int64
	localIndex  map[string]*lruNode
	lruHead     *lruNode // most recently used
	lruTail     *lruNode // least recently used
	tagIndex    map[string]map[string]struct{} // tag -> set of keys
	statsMu     sync.Mutex
	stats       Stats

	stopSweep chan struct{}
}

// New opens (creating if absent) the shared-KV bbolt store and the file
// cache directory, and starts the periodic expiry sweeper.
func New(cfg config.CacheConfig) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create bolt dir: %w", err)
	}
	if err := os.MkdirAll(cfg.FileCacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create file cache dir: %w", err)
	}
	db, err := bbolt.Open(cfg.BoltPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}
	c := &Cache{
		cfg:        cfg,
		db:         db,
		localIndex: make(map[string]*lruNode),
		tagIndex:   make(map[string]map[string]struct{}),
		stopSweep:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// Close stops the sweeper and closes the shared store.
func (c *Cache) Close() error {
	close(c.stopSweep)
	return c.db.Close()
}

// Key builds "<kind>:<stable-hash-of-salient-inputs>" (spec.md §4.3).
func Key(kind string, salient ...any) string {
	h := sha256.New()
	for _, s := range salient {
		data, _ := json.Marshal(s)
		h.Write(data)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%s", kind, hex.EncodeToString(h.Sum(nil)))
}

// LLMKey builds the key for a language-model request: model, messages,
// tool schema, temperature are the salient inputs (spec.md §4.3).
func LLMKey(model string, messages any, toolSchema any, temperature float64) string {
	return Key("llm_response", model, messages, toolSchema, temperature)
}

// ContentKey builds the key for an extraction result: URL and method are
// the salient inputs (spec.md §4.3).
func ContentKey(url, method string) string {
	return Key("extracted_content", url, method)
}

// Set writes value under key with the given kind (used to resolve the
// default TTL policy) and dependency tags. Size of the serialized payload
// selects the storage layer: small+hot goes to local+shared, large goes to
// file only (spec.md §4.3).
func (c *Cache) Set(ctx context.Context, key, kind string, value []byte, tags []string) error {
	now := time.Now()
	ttl := config.CacheKindTTL(kind)
	stored, compressed := c.maybeCompress(value)

	entry := &Entry{
		Key: key, Value: stored, CreatedAt: now, ExpiresAt: now.Add(ttl),
		LastAccessed: now, Size: len(stored), Tags: tags, Compressed: compressed,
	}

	if int64(len(stored)) > c.cfg.FileThresholdBytes {
		if err := c.writeFile(key, entry); err != nil {
			return err
		}
		return nil
	}

	if err := c.writeShared(key, entry); err != nil {
		return err
	}
	c.setLocal(key, entry)
	return nil
}

// Get consults local, then shared, then file, in order (spec.md §4.3). An
// expired entry is removed eagerly and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := nowFunc()

	if e, ok := c.getLocal(key); ok {
		if e.expired(now) {
			c.evictLocal(key)
			c.recordMiss()
			return nil, false
		}
		c.recordHit()
		return c.maybeDecompress(e), true
	}

	if e, ok := c.readShared(key); ok {
		if e.expired(now) {
			c.deleteShared(key)
			c.recordMiss()
			return nil, false
		}
		c.setLocal(key, e)
		c.recordHit()
		return c.maybeDecompress(e), true
	}

	if e, ok := c.readFile(key); ok {
		if e.expired(now) {
			c.deleteFile(key)
			c.recordMiss()
			return nil, false
		}
		c.recordHit()
		return c.maybeDecompress(e), true
	}

	c.recordMiss()
	return nil, false
}

func (c *Cache) maybeCompress(value []byte) ([]byte, bool) {
	if int64(len(value)) < c.cfg.CompressThreshold {
		return value, false
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return value, false
	}
	if err := w.Close(); err != nil {
		return value, false
	}
	compressed := buf.Bytes()
	saving := 1 - float64(len(compressed))/float64(len(value))
	if saving < c.cfg.CompressMinSavingPct {
		return value, false
	}
	out := append([]byte(compressedMarker), compressed...)
	return out, true
}

func (c *Cache) maybeDecompress(e *Entry) []byte {
	if !e.Compressed {
		return e.Value
	}
	body := bytes.TrimPrefix(e.Value, []byte(compressedMarker))
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		slog.Error("cache: decompress failed", "key", e.Key, "error", err)
		return nil
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		slog.Error("cache: decompress read failed", "key", e.Key, "error", err)
		return nil
	}
	return out
}

// Invalidate removes a single key from all layers.
func (c *Cache) Invalidate(key string) {
	c.evictLocal(key)
	c.deleteShared(key)
	c.deleteFile(key)
}

// InvalidatePattern evicts every key (across local+shared) matching a glob
// pattern over namespaced keys (spec.md §4.3).
func (c *Cache) InvalidatePattern(pattern string) int {
	count := 0
	c.mu.Lock()
	var matched []string
	for k := range c.localIndex {
		if ok, _ := path.Match(pattern, k); ok {
			matched = append(matched, k)
		}
	}
	c.mu.Unlock()
	for _, k := range matched {
		c.Invalidate(k)
		count++
	}

	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		return b.ForEach(func(k, v []byte) error {
			if ok, _ := path.Match(pattern, string(k)); ok {
				matched = append(matched, string(k))
			}
			return nil
		})
	})
	for _, k := range matched {
		c.Invalidate(k)
		count++
	}
	return count
}

// InvalidateDependencies evicts every entry declaring tag (spec.md §4.3).
func (c *Cache) InvalidateDependencies(tag string) int {
	c.mu.Lock()
	keys := c.tagIndex[tag]
	var toEvict []string
	for k := range keys {
		toEvict = append(toEvict, k)
	}
	c.mu.Unlock()
	for _, k := range toEvict {
		c.Invalidate(k)
	}
	return len(toEvict)
}

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

func (c *Cache) filePath(key string) string {
	name := base64.URLEncoding.EncodeToString([]byte(key))
	return filepath.Join(c.cfg.FileCacheDir, name+".cache")
}
