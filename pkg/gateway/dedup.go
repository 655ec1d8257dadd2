package gateway

import (
	"strings"
	"sync"
	"time"
)

// Deduper remembers idempotency keys for a bounded time so a retried inbound
// message is not answered twice.
type Deduper struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	now     func() time.Time
}

// NewDeduper creates a deduper; a non-positive ttl defaults to five minutes
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Deduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// dedupKey scopes an idempotency key to one session
func dedupKey(sessionID, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return sessionID + ":" + idempotencyKey
}

// Seen records key and reports whether it was already recorded and unexpired.
// Empty keys are never duplicates.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiry, ok := d.entries[key]; ok && now.Before(expiry) {
		return true
	}
	d.entries[key] = now.Add(d.ttl)

	for k, expiry := range d.entries {
		if !now.Before(expiry) {
			delete(d.entries, k)
		}
	}
	return false
}

// Forget drops every key recorded for a session
func (d *Deduper) Forget(sessionID string) {
	prefix := sessionID + ":"

	d.mu.Lock()
	defer d.mu.Unlock()

	for k := range d.entries {
		if strings.HasPrefix(k, prefix) {
			delete(d.entries, k)
		}
	}
}

// Size returns the number of remembered keys
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
