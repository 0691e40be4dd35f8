package tts

import (
	"sync"

	"github.com/vocalisai/voice-session/internal/observability"
)

// smallTextLimit gates eviction: once the cache is full, only phrases
// shorter than this may displace an existing entry. Longer phrases are
// dropped so one-off paragraphs cannot churn the frequently-used short
// phrases out of the table.
const smallTextLimit = 100

// Cache is a bounded text-to-audio memo table. It never fails: a rejected
// Put is silently dropped and synthesis proceeds through the miss path.
//
// Eviction removes an arbitrary entry (map iteration order), not the least
// recently used one. Intentional simplification carried over from the
// previous implementation; see DESIGN.md before changing it.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]byte
	hits     int64
	misses   int64
}

// NewCache creates a cache holding at most capacity entries
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string][]byte, capacity),
	}
}

// Get returns the cached audio for text, if present
func (c *Cache) Get(text string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	audio, ok := c.entries[text]
	if ok {
		c.hits++
		observability.RecordTTSCacheHit()
	} else {
		c.misses++
		observability.RecordTTSCacheMiss()
	}
	return audio, ok
}

// Put stores audio for text. No-op if the text is already cached. At
// capacity, an arbitrary entry is evicted only for small texts; otherwise
// the new entry is dropped.
func (c *Cache) Put(text string, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[text]; exists {
		return
	}

	if len(c.entries) < c.capacity {
		c.entries[text] = audio
		return
	}

	if len(text) >= smallTextLimit {
		return
	}

	for victim := range c.entries {
		delete(c.entries, victim)
		break
	}
	c.entries[text] = audio
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the hit and miss counts since creation
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
