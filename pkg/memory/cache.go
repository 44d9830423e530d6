package memory

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const DefaultCacheCapacity = 1000

// ShortTermCache holds the most recently stored conversations, across all
// users, in insertion order. Eviction is FIFO: only Add, Peek, Keys and
// Remove are used on the underlying list, so lookups never reorder entries.
// The cache is never authoritative; the store owns canonical records.
type ShortTermCache struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, ConversationRecord]
	capacity int
}

func NewShortTermCache(capacity int) *ShortTermCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	entries, err := simplelru.NewLRU[string, ConversationRecord](capacity, nil)
	if err != nil {
		// NewLRU only fails for non-positive sizes.
		panic(err)
	}
	return &ShortTermCache{entries: entries, capacity: capacity}
}

// Insert appends rec, evicting the oldest entry once capacity is exceeded.
func (c *ShortTermCache) Insert(rec ConversationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// An existing id is overwritten and becomes the newest entry.
	c.entries.Add(rec.ID, rec)
}

// Load inserts records ordered oldest first, as returned reversed from
// RecentConversations.
func (c *ShortTermCache) Load(records []ConversationRecord) {
	for _, rec := range records {
		c.Insert(rec)
	}
}

// FindBestMatch returns the cached record of userID most similar to message.
// Ties go to the most recently inserted record. found is false when the user
// has no entries or the best score is below threshold.
func (c *ShortTermCache) FindBestMatch(userID, message string, threshold float64) (ConversationRecord, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		best      ConversationRecord
		bestScore = -1.0
	)
	for _, key := range c.entries.Keys() {
		rec, ok := c.entries.Peek(key)
		if !ok || rec.UserID != userID {
			continue
		}
		score := Similarity(message, rec.Message)
		if score >= bestScore {
			best, bestScore = rec, score
		}
	}
	if bestScore < 0 || bestScore < threshold {
		return ConversationRecord{}, 0, false
	}
	return best, bestScore, true
}

// PruneBefore drops entries stamped strictly before cutoff and returns how many.
func (c *ShortTermCache) PruneBefore(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.entries.Keys() {
		rec, ok := c.entries.Peek(key)
		if ok && rec.Timestamp.Before(cutoff) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *ShortTermCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(id)
}

func (c *ShortTermCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *ShortTermCache) Capacity() int { return c.capacity }
