package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock returns a settable time source for WithClock.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	if cfg.Workspace == "" {
		cfg.Workspace = t.TempDir()
	}
	eng, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// flakyStore fails selected operations of an otherwise working store.
type flakyStore struct {
	Store
	failInsert  bool
	failFind    bool
	failDelete  bool
	failRecent  bool
	failPattern bool
}

var errInjected = errors.New("injected store failure")

func (s *flakyStore) InsertOrUpdateConversation(ctx context.Context, rec ConversationRecord) error {
	if s.failInsert {
		return errInjected
	}
	return s.Store.InsertOrUpdateConversation(ctx, rec)
}

func (s *flakyStore) FindSimilarConversation(ctx context.Context, userID, message string, minScore float64, scanLimit int) (ConversationRecord, float64, bool, error) {
	if s.failFind {
		return ConversationRecord{}, 0, false, errInjected
	}
	return s.Store.FindSimilarConversation(ctx, userID, message, minScore, scanLimit)
}

func (s *flakyStore) DeleteStale(ctx context.Context, policy RetentionPolicy) (CleanupResult, error) {
	if s.failDelete {
		return CleanupResult{}, errInjected
	}
	return s.Store.DeleteStale(ctx, policy)
}

func (s *flakyStore) RecentConversations(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if s.failRecent {
		return nil, errInjected
	}
	return s.Store.RecentConversations(ctx, limit)
}

func (s *flakyStore) UpsertPattern(ctx context.Context, patternType, patternText string, at time.Time) error {
	if s.failPattern {
		return errInjected
	}
	return s.Store.UpsertPattern(ctx, patternType, patternText, at)
}

func newFlakyEngine(t *testing.T, flaky *flakyStore, opts ...Option) *Engine {
	t.Helper()
	flaky.Store = newTestStore(t)
	eng, err := NewEngine(Config{Workspace: t.TempDir()}, flaky, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestEngine_StoreAndRecallFromCache(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	id, err := eng.StoreConversation(ctx, "u1", "Hello how are you", "I am fine", "", SentimentPositive)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, found, err := eng.RecallConversation(ctx, "u1", "hello HOW are you")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "I am fine", got.Response)
	assert.Equal(t, SourceCache, got.Source)
	assert.Equal(t, id, got.RecordID)
	assert.Equal(t, 1.0, got.Score)

	// Cache hits do not count as learning.
	stored, err := eng.store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.LearnedCount)
}

func TestEngine_RecallIsScopedToUser(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	_, err := eng.StoreConversation(ctx, "alice", "what is my favourite colour", "blue", "", "")
	require.NoError(t, err)

	_, found, err := eng.RecallConversation(ctx, "bob", "what is my favourite colour")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_RecallFallsBackToStoreAfterEviction(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	eng := newTestEngine(t, Config{CacheCapacity: 2}, WithClock(clock.now))

	first, err := eng.StoreConversation(ctx, "u1", "tell me about the ocean", "it is big", "", "")
	require.NoError(t, err)
	clock.advance(time.Second)
	_, _ = eng.StoreConversation(ctx, "u1", "what time is it", "noon", "", "")
	clock.advance(time.Second)
	_, _ = eng.StoreConversation(ctx, "u1", "do you like music", "yes", "", "")

	require.False(t, eng.cache.Contains(first))

	got, found, err := eng.RecallConversation(ctx, "u1", "tell me about the ocean")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceStore, got.Source)
	assert.Equal(t, "it is big", got.Response)

	stored, err := eng.store.GetConversation(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.LearnedCount)
}

func TestEngine_StoreThresholdIsLowerThanCache(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{CacheCapacity: 1})

	_, _ = eng.StoreConversation(ctx, "u1", "one two three four five six seven eight nine ten", "counted", "", "")
	_, _ = eng.StoreConversation(ctx, "u1", "unrelated filler", "x", "", "")

	// 7 shared of 10 distinct tokens: 0.7 is a store hit but would miss the cache.
	got, found, err := eng.RecallConversation(ctx, "u1", "one two three four five six seven")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceStore, got.Source)
	assert.InDelta(t, 0.7, got.Score, 1e-9)
}

func TestEngine_WarmsCacheOnOpen(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	eng, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	_, err = eng.StoreConversation(ctx, "u1", "remember the milk", "noted", "", "")
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	eng2 := newTestEngine(t, Config{Workspace: ws})
	assert.Equal(t, 1, eng2.cache.Len())
	got, found, err := eng2.RecallConversation(ctx, "u1", "remember the milk")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceCache, got.Source)
}

func TestEngine_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	_, err := eng.StoreConversation(ctx, "  ", "hi", "hello", "", "")
	assert.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)

	_, err = eng.StoreConversation(ctx, "u1", "", "hello", "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.StoreConversation(ctx, "u1", "hi", "hello", "", Sentiment("furious"))
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = eng.RecallConversation(ctx, "", "hi")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.StoreKnowledge(ctx, "topic", "content", "", 1.5)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "confidence", verr.Field)

	_, err = eng.StoreKnowledge(ctx, "", "content", "", 0.5)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.GetKnowledge(ctx, "topic", -0.1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.CleanupOldMemories(ctx, 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.GetUserPatterns(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_KnowledgeUseCount(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	id1, err := eng.StoreKnowledge(ctx, "weather", "sunny today", "", 0.8)
	require.NoError(t, err)
	id2, err := eng.StoreKnowledge(ctx, "weather", "sunny today", "", 0.8)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	items, err := eng.GetKnowledge(ctx, "weath", 0.5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	// two upserts plus this read
	assert.Equal(t, 3, items[0].UseCount)
	assert.Equal(t, DefaultKnowledgeSource, items[0].Source)
}

func TestEngine_TrigramFrequency(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	eng := newTestEngine(t, Config{}, WithClock(clock.now))

	_, _ = eng.StoreConversation(ctx, "u1", "hello how are you", "fine", "", "")
	clock.advance(time.Second)
	_, _ = eng.StoreConversation(ctx, "u2", "well hello how are things", "good", "", "")

	p, err := eng.store.GetPattern(ctx, "hello how are")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Frequency)
	assert.Equal(t, PatternTrigram, p.PatternType)

	p, err = eng.store.GetPattern(ctx, "how are you")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Frequency)

	top, err := eng.TopPatterns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "hello how are", top[0].PatternText)
}

func TestEngine_ProfileAndUserPatterns(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	eng := newTestEngine(t, Config{}, WithClock(clock.now))

	_, err := eng.GetUserProfile(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = eng.StoreConversation(ctx, "u1", "good morning", "morning!", "", SentimentPositive)
	clock.advance(time.Minute)
	_, _ = eng.StoreConversation(ctx, "u1", "good morning", "morning!", "", SentimentNegative)
	clock.advance(time.Minute)
	_, _ = eng.StoreConversation(ctx, "u1", "bye", "see you", "", "")

	prof, err := eng.GetUserProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, prof.InteractionCount)
	assert.Equal(t, []Sentiment{SentimentPositive, SentimentNegative, SentimentNeutral}, prof.SentimentHistory)
	assert.True(t, prof.LastInteraction.Equal(clock.now()))
	assert.Equal(t, map[Sentiment]int{SentimentPositive: 1, SentimentNegative: 1, SentimentNeutral: 1}, SentimentBreakdown(prof))

	pats, err := eng.GetUserPatterns(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pats, 1)
	assert.Equal(t, UserPattern{Message: "good morning", Response: "morning!", Frequency: 2}, pats[0])
}

func TestEngine_RetentionBoundaries(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newTestStore(t)
	now := clock.now()
	cutoff := now.Add(-30 * 24 * time.Hour)

	_ = store.InsertOrUpdateConversation(ctx, ConversationRecord{ID: "unlearned", UserID: "u1", Message: "old chat", Response: "x", Timestamp: now.Add(-31 * 24 * time.Hour)})
	_ = store.InsertOrUpdateConversation(ctx, ConversationRecord{ID: "learned", UserID: "u1", Message: "useful chat", Response: "y", Timestamp: now.Add(-31 * 24 * time.Hour), LearnedCount: 1})
	_ = store.InsertOrUpdateConversation(ctx, ConversationRecord{ID: "at-cutoff", UserID: "u1", Message: "edge chat", Response: "z", Timestamp: cutoff})
	_ = store.InsertOrUpdateConversation(ctx, ConversationRecord{ID: "fresh", UserID: "u1", Message: "new chat", Response: "w", Timestamp: now})

	eng, err := NewEngine(Config{Workspace: t.TempDir()}, store, WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	require.Equal(t, 4, eng.cache.Len())

	res, err := eng.CleanupOldMemories(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ConversationsDeleted)

	_, err = store.GetConversation(ctx, "unlearned")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{"learned", "at-cutoff", "fresh"} {
		_, err := store.GetConversation(ctx, id)
		assert.NoError(t, err, id)
	}

	assert.False(t, eng.cache.Contains("unlearned"))
	assert.True(t, eng.cache.Contains("at-cutoff"))
	_, found, err := eng.RecallConversation(ctx, "u1", "old chat")
	require.NoError(t, err)
	assert.False(t, found, "deleted conversations must not be recalled")

	// Old but learned records are still served from the store.
	got, found, err := eng.RecallConversation(ctx, "u1", "useful chat")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceStore, got.Source)
}

func TestEngine_RetentionSubMillisecondCutoff(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	eng := newTestEngine(t, Config{}, WithClock(clock.now))

	id, err := eng.StoreConversation(ctx, "u1", "short lived chat", "bye", "", "")
	require.NoError(t, err)

	clock.advance(30*24*time.Hour + 500*time.Microsecond)
	res, err := eng.CleanupOldMemories(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ConversationsDeleted)

	_, err = eng.store.GetConversation(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, eng.cache.Contains(id))
}

func TestEngine_StoreFailureDegradesToCache(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failInsert: true}
	eng := newFlakyEngine(t, flaky)

	id, err := eng.StoreConversation(ctx, "u1", "hello how are you", "fine", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, found, err := eng.RecallConversation(ctx, "u1", "hello how are you")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceCache, got.Source)

	// The profile and pattern steps are skipped when the record was not persisted.
	_, err = eng.GetUserProfile(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = flaky.Store.GetPattern(ctx, "hello how are")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_PatternFailureKeepsConversation(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failPattern: true}
	eng := newFlakyEngine(t, flaky)

	id, err := eng.StoreConversation(ctx, "u1", "hello how are you", "fine", "", "")
	require.NoError(t, err)
	_, err = flaky.Store.GetConversation(ctx, id)
	require.NoError(t, err)
	prof, err := eng.GetUserProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, prof.InteractionCount)
}

func TestEngine_StoreRecallFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failFind: true}
	eng := newFlakyEngine(t, flaky)

	_, found, err := eng.RecallConversation(ctx, "u1", "anything at all")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_CleanupFailureIsReported(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failDelete: true}
	eng := newFlakyEngine(t, flaky)

	_, err := eng.CleanupOldMemories(ctx, 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, errInjected)
}

func TestEngine_WarmupFailureStartsCold(t *testing.T) {
	flaky := &flakyStore{failRecent: true}
	eng := newFlakyEngine(t, flaky)
	assert.Equal(t, 0, eng.cache.Len())
}

func TestEngine_BackupMemory(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ws := t.TempDir()
	eng := newTestEngine(t, Config{Workspace: ws}, WithClock(clock.now))

	_, err := eng.StoreConversation(ctx, "u1", "back me up", "ok", "", "")
	require.NoError(t, err)

	path, err := eng.BackupMemory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "backups", "memory_backup_20260301_120000.db"), path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = eng.BackupMemory(ctx, path)
	assert.ErrorIs(t, err, ErrStorage, "existing backups are never overwritten")

	snap, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer snap.Close()
	recent, err := snap.RecentConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "back me up", recent[0].Message)
}

func TestEngine_MemoryStats(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	eng := newTestEngine(t, Config{}, WithClock(clock.now))

	_, _ = eng.StoreConversation(ctx, "u1", "first", "a", "", "")
	_, _ = eng.StoreConversation(ctx, "u2", "second", "b", "", "")
	_, _ = eng.StoreKnowledge(ctx, "go", "is fun", "", 0.9)

	st, err := eng.GetMemoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalConversations)
	assert.Equal(t, 2, st.UniqueUsers)
	assert.Equal(t, 1, st.KnowledgeItems)
	assert.Equal(t, 2, st.ConversationsToday)

	clock.advance(25 * time.Hour)
	st, err = eng.GetMemoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConversationsToday)
}

func TestEngine_MetricsRecorded(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewManager(metrics.Config{Enabled: true})
	eng := newTestEngine(t, Config{}, WithMetrics(m))

	_, _ = eng.StoreConversation(ctx, "u1", "count me please", "ok", "", "")
	_, _, _ = eng.RecallConversation(ctx, "u1", "count me please")
	_, _, _ = eng.RecallConversation(ctx, "u1", "nothing similar here")

	count, err := testutil.GatherAndCount(m.Registry(), "dotmemory_recall_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series each for cache and miss")
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	eng, err := Open(Config{Workspace: t.TempDir(), RetentionSchedule: "0 3 * * *"})
	require.NoError(t, err)
	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
}

func TestEngine_RejectsInvalidSchedule(t *testing.T) {
	_, err := Open(Config{Workspace: t.TempDir(), RetentionSchedule: "not a cron"})
	require.Error(t, err)
}
