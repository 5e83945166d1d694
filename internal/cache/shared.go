package cache

import (
	"encoding/json"
	"log/slog"

	"go.etcd.io/bbolt"
)

// Shared KV layer: an embedded bbolt store substituting for the Python
// original's Redis tier, kept in-process per spec.md §1's single-host
// non-goal while reusing the teacher's own persistence dependency
// (go.etcd.io/bbolt, see persistence.go).

type sharedRecord struct {
	Value        []byte   `json:"value"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
	AccessCount  int      `json:"access_count"`
	LastAccessed int64    `json:"last_accessed"`
	Tags         []string `json:"tags"`
	Compressed   bool     `json:"compressed"`
}

func (c *Cache) writeShared(key string, e *Entry) error {
	rec := sharedRecord{
		Value: e.Value, CreatedAt: e.CreatedAt.UnixNano(), ExpiresAt: e.ExpiresAt.UnixNano(),
		LastAccessed: e.LastAccessed.UnixNano(), Tags: e.Tags, Compressed: e.Compressed,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), data)
	})
}

func (c *Cache) readShared(key string) (*Entry, bool) {
	var data []byte
	_ = c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if data == nil {
		return nil, false
	}
	var rec sharedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Error("cache: corrupt shared record", "key", key, "error", err)
		return nil, false
	}
	return &Entry{
		Key: key, Value: rec.Value, CreatedAt: unixNano(rec.CreatedAt),
		ExpiresAt: unixNano(rec.ExpiresAt), LastAccessed: unixNano(rec.LastAccessed),
		Size: len(rec.Value), Tags: rec.Tags, Compressed: rec.Compressed,
	}, true
}

func (c *Cache) deleteShared(key string) {
	_ = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (c *Cache) sharedKeys() []string {
	var keys []string
	_ = c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys
}
