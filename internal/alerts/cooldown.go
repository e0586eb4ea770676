package alerts

import (
	"time"
)

// Cooldown remembers when each key last fired.
type Cooldown struct {
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// AllowKey reports whether key may fire at now and, if so, records it.
func (c *Cooldown) AllowKey(key string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}

// Seed records that key fired at ts unless a later firing is already known.
func (c *Cooldown) Seed(key string, ts time.Time) {
	if last, ok := c.last[key]; ok && !ts.After(last) {
		return
	}
	c.last[key] = ts
}

// Compact forgets keys whose cooldown has elapsed.
func (c *Cooldown) Compact(now time.Time, cooldown time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= cooldown {
			delete(c.last, k)
		}
	}
}

func (c *Cooldown) Len() int {
	return len(c.last)
}
