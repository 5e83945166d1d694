package cache

import (
	"encoding/json"
	"os"
	"time"
)

// File layer: payloads over the byte threshold are persisted to disk under
// base64-url-safe-encoded filenames (spec.md §6's persisted cache-file
// layer naming scheme, grounded on cache_manager.py's
// _get_file_cache_path).

type fileRecord struct {
	Value      []byte   `json:"value"`
	CreatedAt  int64    `json:"created_at"`
	ExpiresAt  int64    `json:"expires_at"`
	Tags       []string `json:"tags"`
	Compressed bool     `json:"compressed"`
}

func (c *Cache) writeFile(key string, e *Entry) error {
	rec := fileRecord{
		Value: e.Value, CreatedAt: e.CreatedAt.UnixNano(), ExpiresAt: e.ExpiresAt.UnixNano(),
		Tags: e.Tags, Compressed: e.Compressed,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.filePath(key), data, 0o600); err != nil {
		return err
	}
	c.statsMu.Lock()
	c.stats.FileWrites++
	c.statsMu.Unlock()
	c.mu.Lock()
	c.tagLocked(key, e.Tags)
	c.mu.Unlock()
	return nil
}

func (c *Cache) readFile(key string) (*Entry, bool) {
	data, err := os.ReadFile(c.filePath(key))
	if err != nil {
		return nil, false
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	c.statsMu.Lock()
	c.stats.FileReads++
	c.statsMu.Unlock()
	return &Entry{
		Key: key, Value: rec.Value, CreatedAt: unixNano(rec.CreatedAt),
		ExpiresAt: unixNano(rec.ExpiresAt), Size: len(rec.Value),
		Tags: rec.Tags, Compressed: rec.Compressed,
	}, true
}

func (c *Cache) deleteFile(key string) {
	_ = os.Remove(c.filePath(key))
	c.mu.Lock()
	c.untagLocked(key)
	c.mu.Unlock()
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
