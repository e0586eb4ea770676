package engine

import (
	"sync"
	"time"

	"authguard/internal/model"
)

const dedupeCompactAt = 10000

// DedupeCache remembers report ids for a ttl so redelivered reports from
// at-least-once sources are processed once.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

// Seen reports whether key was recorded within ttl and records it otherwise.
func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > dedupeCompactAt {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) Compact(now time.Time, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compact(now, ttl)
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

// reportKey is empty for reports without an id; those are never deduplicated.
func reportKey(r model.Report) string {
	if r.ID == "" {
		return ""
	}
	return r.Source + "|" + r.ID
}
