package memory

import "time"

// Defaults for Config fields left at their zero value.
const (
	DefaultCacheHitThreshold      = 0.8
	DefaultStoreHitThreshold      = 0.7
	DefaultStoreScanLimit         = 50
	DefaultKnowledgeLimit         = 10
	DefaultUserPatternLimit       = 20
	DefaultKnowledgeMinConfidence = 0.3
	DefaultPatternMinFrequency    = 3
	DefaultRetentionDays          = 30
	DefaultKnowledgeSource        = "learned"
)

// Config configures the memory engine. The cache and store thresholds are
// independent and must not be unified.
type Config struct {
	Workspace string

	CacheCapacity     int
	CacheHitThreshold float64
	StoreHitThreshold float64
	StoreScanLimit    int
	KnowledgeLimit    int
	UserPatternLimit  int

	ConversationMaxLearned int
	KnowledgeMinConfidence float64
	PatternMinFrequency    int
	RetentionDays          int
	// RetentionSchedule is a cron expression for automatic sweeps; empty disables them.
	RetentionSchedule string
}

func (c Config) withDefaults() Config {
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.CacheHitThreshold <= 0 {
		c.CacheHitThreshold = DefaultCacheHitThreshold
	}
	if c.StoreHitThreshold <= 0 {
		c.StoreHitThreshold = DefaultStoreHitThreshold
	}
	if c.StoreScanLimit <= 0 {
		c.StoreScanLimit = DefaultStoreScanLimit
	}
	if c.KnowledgeLimit <= 0 {
		c.KnowledgeLimit = DefaultKnowledgeLimit
	}
	if c.UserPatternLimit <= 0 {
		c.UserPatternLimit = DefaultUserPatternLimit
	}
	if c.ConversationMaxLearned < 0 {
		c.ConversationMaxLearned = 0
	}
	if c.KnowledgeMinConfidence <= 0 {
		c.KnowledgeMinConfidence = DefaultKnowledgeMinConfidence
	}
	if c.PatternMinFrequency <= 0 {
		c.PatternMinFrequency = DefaultPatternMinFrequency
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	return c
}

// RetentionPolicy builds the sweep predicates for records older than daysOld days.
func (c Config) RetentionPolicy(now time.Time, daysOld int) RetentionPolicy {
	return RetentionPolicy{
		Cutoff:                 now.Add(-time.Duration(daysOld) * 24 * time.Hour),
		ConversationMaxLearned: c.ConversationMaxLearned,
		KnowledgeMinConfidence: c.KnowledgeMinConfidence,
		PatternMinFrequency:    c.PatternMinFrequency,
	}
}
