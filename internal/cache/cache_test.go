package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/internal/config"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	cfg := config.CacheConfig{
		LocalMaxBytes:        1024,
		BoltPath:             filepath.Join(dir, "cache.db"),
		FileCacheDir:         filepath.Join(dir, "files"),
		FileThresholdBytes:   256,
		CompressThreshold:    32,
		CompressMinSavingPct: 0.10,
		SweepInterval:        time.Hour,
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetThenGetReturnsValueBeforeTTL(t *testing.T) {
	c := newTestCache(t)
	key := Key("llm_response", "gpt-4", "hello", nil, 0.1)
	if err := c.Set(context.Background(), key, "llm_response", []byte("hello world"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get(context.Background(), key)
	if !ok || string(got) != "hello world" {
		t.Fatalf("expected hit with value, got %q ok=%v", got, ok)
	}
}

func TestGetAfterTTLIsMissAndEvicts(t *testing.T) {
	c := newTestCache(t)
	key := "workflow_state:k1"
	if err := c.Set(context.Background(), key, "workflow_state", []byte("v"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	nowFunc = func() time.Time { return time.Now().Add(2 * time.Hour) }
	defer func() { nowFunc = time.Now }()

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if _, ok := c.localIndex[key]; ok {
		t.Fatalf("expired entry should have been evicted from local layer")
	}
}

func TestLocalLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t)
	// Each entry is 90 distinct bytes < FileThresholdBytes so all land in
	// local+shared; compression cannot save 10% on them, so each occupies 90
	// bytes and 11 of them fit in LocalMaxBytes (1024) but 12 do not.
	val := make([]byte, 90)
	for i := range val {
		val[i] = byte(i * 7)
	}
	c.Set(context.Background(), "k1", "workflow_state", val, nil)
	c.Set(context.Background(), "k2", "workflow_state", val, nil)
	// touch k1 so it becomes most-recently-used
	c.Get(context.Background(), "k1")
	// push enough entries to force eviction past LocalMaxBytes (1024)
	for i := 0; i < 10; i++ {
		c.Set(context.Background(), fmt.Sprintf("filler-%d", i), "workflow_state", val, nil)
	}
	if _, ok := c.localIndex["k1"]; !ok {
		t.Fatalf("recently-used k1 should survive eviction")
	}
	if _, ok := c.localIndex["k2"]; ok {
		t.Fatalf("least-recently-used k2 should have been evicted")
	}
}

func TestCompressionAppliesMarkerAboveThreshold(t *testing.T) {
	c := newTestCache(t)
	// highly compressible payload well above CompressThreshold (32 bytes)
	val := bytes.Repeat([]byte("x"), 500)
	key := "extracted_content:big"
	c.Set(context.Background(), key, "extracted_content", val, nil)
	node, ok := c.localIndex[key]
	if !ok || !node.entry.Compressed || !bytes.HasPrefix(node.entry.Value, []byte(compressedMarker)) {
		t.Fatalf("stored value should be compressed and carry the marker prefix")
	}
	got, ok := c.Get(context.Background(), key)
	if !ok || !bytes.Equal(got, val) {
		t.Fatalf("decompressed value should round-trip to original")
	}
}

func TestFileLayerUsedAboveThreshold(t *testing.T) {
	c := newTestCache(t)
	val := make([]byte, 1000) // > FileThresholdBytes (256) but
	// not very compressible (varied below), ensure still round trips via file.
	x := uint32(1)
	for i := range val {
		x = x*1664525 + 1013904223
		val[i] = byte(x >> 24)
	}
	key := "pdf_content:doc1"
	if err := c.Set(context.Background(), key, "pdf_content", val, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := c.localIndex[key]; ok {
		t.Fatalf("large payload should not be cached locally")
	}
	entries, _ := os.ReadDir(c.cfg.FileCacheDir)
	if len(entries) == 0 {
		t.Fatalf("expected a file-layer cache entry on disk")
	}
	got, ok := c.Get(context.Background(), key)
	if !ok || !bytes.Equal(got, val) {
		t.Fatalf("file-layer value should round trip")
	}
}

func TestInvalidateDependencies(t *testing.T) {
	c := newTestCache(t)
	c.Set(context.Background(), "a", "workflow_state", []byte("1"), []string{"job:1"})
	c.Set(context.Background(), "b", "workflow_state", []byte("2"), []string{"job:1"})
	c.Set(context.Background(), "c", "workflow_state", []byte("3"), []string{"job:2"})

	n := c.InvalidateDependencies("job:1")
	if n != 2 {
		t.Fatalf("expected 2 invalidated, got %d", n)
	}
	if _, ok := c.Get(context.Background(), "a"); ok {
		t.Fatalf("a should be invalidated")
	}
	if _, ok := c.Get(context.Background(), "c"); !ok {
		t.Fatalf("c should survive unrelated tag invalidation")
	}
}
