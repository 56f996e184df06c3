// Package cache is a file-backed answer cache keyed by question hash.
// One JSON file per entry, expired entries treated as misses.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type entry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache stores question/answer pairs under a directory with a fixed
// expiry window.
type Cache struct {
	dir    string
	expiry time.Duration
}

// New creates the cache directory if needed.
func New(dir string, expiryHours int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &Cache{dir: dir, expiry: time.Duration(expiryHours) * time.Hour}, nil
}

func (c *Cache) path(question string) string {
	sum := md5.Sum([]byte(question))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

// Get returns the cached answer for a question. Expired or unreadable
// entries are misses.
func (c *Cache) Get(question string) (string, bool) {
	data, err := os.ReadFile(c.path(question))
	if err != nil {
		return "", false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Warn("cache: unreadable entry", "path", c.path(question), "error", err)
		return "", false
	}
	if time.Since(e.CreatedAt) > c.expiry {
		return "", false
	}
	return e.Answer, true
}

// Put stores an answer for a question.
func (c *Cache) Put(question, answer string) error {
	data, err := json.Marshal(entry{
		Question:  question,
		Answer:    answer,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(c.path(question), data, 0644)
}

// Clear removes every cache entry.
func (c *Cache) Clear() error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}

// ClearExpired removes entries past the expiry window and returns how
// many were dropped. Unreadable entries are dropped too.
func (c *Cache) ClearExpired() (int, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var e entry
		stale := json.Unmarshal(data, &e) != nil || time.Since(e.CreatedAt) > c.expiry
		if !stale {
			continue
		}
		if err := os.Remove(m); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
