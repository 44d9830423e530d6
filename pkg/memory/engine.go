package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/metrics"
	"github.com/go-playground/validator/v10"
)

const warmupTimeout = 10 * time.Second

// Engine is the memory facade used by bot workers. It is safe for
// concurrent use; construct it once and pass it to every caller.
type Engine struct {
	cfg       Config
	store     Store
	cache     *ShortTermCache
	miner     *PatternMiner
	profiles  *ProfileTracker
	retention *RetentionManager
	metrics   *metrics.Manager
	validate  *validator.Validate
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Engine)

func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for timestamps and cutoffs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Open creates the SQLite store under cfg.Workspace and builds an engine on it.
func Open(cfg Config, opts ...Option) (*Engine, error) {
	if strings.TrimSpace(cfg.Workspace) == "" {
		return nil, fmt.Errorf("memory workspace is required")
	}
	store, err := NewSQLiteStore(DatabasePath(cfg.Workspace))
	if err != nil {
		return nil, err
	}
	eng, err := NewEngine(cfg, store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return eng, nil
}

// DatabasePath is where Open keeps the memory database.
func DatabasePath(workspace string) string {
	return filepath.Join(workspace, "state", "memory.db")
}

// NewEngine wires the engine around store, warms the cache from it and
// starts the retention worker when a schedule is configured. The engine
// owns store from here on and closes it in Close.
func NewEngine(cfg Config, store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	cfg = cfg.withDefaults()
	if err := ValidateSchedule(cfg.RetentionSchedule); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		cache:    NewShortTermCache(cfg.CacheCapacity),
		miner:    NewPatternMiner(store),
		profiles: NewProfileTracker(store),
		validate: newValidator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NoOpManager()
	}
	e.retention = NewRetentionManager(cfg, store, e.cache, e.metrics, e.now)

	e.warmCache()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if cfg.RetentionSchedule != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.retention.Run(ctx)
		}()
	}
	return e, nil
}

func (e *Engine) warmCache() {
	ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
	defer cancel()

	recent, err := e.store.RecentConversations(ctx, e.cfg.CacheCapacity)
	if err != nil {
		logger.WarnCF("memory", "Cache warm-up failed, starting cold", map[string]interface{}{"error": err.Error()})
		return
	}
	e.cache.Load(recent)
	e.metrics.SetCacheEntries(e.cache.Len())
	logger.InfoCF("memory", "Memory loaded", map[string]interface{}{"conversations": e.cache.Len()})
}

// Close stops background work and closes the store. Safe to call twice.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.closeErr = e.store.Close()
	})
	return e.closeErr
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	e.metrics.ObserveStoreOp(op, time.Since(start))
	return err
}

// StoreConversation records an exchange. Only invalid input fails the call:
// when the store write fails the record stays recallable from the cache for
// the life of the process and the failure is logged.
func (e *Engine) StoreConversation(ctx context.Context, userID, message, response, convContext string, sentiment Sentiment) (string, error) {
	if err := e.check(conversationInput{UserID: userID, Message: message}); err != nil {
		return "", err
	}
	sentiment, err := ParseSentiment(string(sentiment))
	if err != nil {
		return "", err
	}

	at := e.now()
	rec := ConversationRecord{
		ID:        ConversationID(userID, message, at),
		UserID:    userID,
		Message:   message,
		Response:  response,
		Timestamp: at.Round(0).Truncate(time.Millisecond),
		Context:   convContext,
		Sentiment: sentiment,
	}

	e.cache.Insert(rec)
	e.metrics.SetCacheEntries(e.cache.Len())

	if err := e.timed("insert_conversation", func() error {
		return e.store.InsertOrUpdateConversation(ctx, rec)
	}); err != nil {
		e.metrics.RecordStore("degraded")
		logger.WarnCF("memory", "Conversation not persisted, kept in cache only", map[string]interface{}{
			"id":      rec.ID,
			"user_id": userID,
			"error":   err.Error(),
		})
		return rec.ID, nil
	}

	result := "ok"
	if err := e.timed("upsert_profile", func() error {
		return e.profiles.Track(ctx, userID, sentiment, at)
	}); err != nil {
		result = "degraded"
		logger.WarnCF("memory", "User profile update failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}

	var mined int
	if err := e.timed("mine_patterns", func() error {
		var mineErr error
		mined, mineErr = e.miner.Mine(ctx, message, at)
		return mineErr
	}); err != nil {
		result = "degraded"
		logger.WarnCF("memory", "Pattern mining stopped early", map[string]interface{}{
			"id":      rec.ID,
			"written": mined,
			"error":   err.Error(),
		})
	}

	e.metrics.RecordStore(result)
	logger.DebugCF("memory", "Conversation stored", map[string]interface{}{
		"id":       rec.ID,
		"user_id":  userID,
		"patterns": mined,
	})
	return rec.ID, nil
}

// RecallConversation looks for a past response to a similar message from the
// same user, first in the cache and then in the store. A miss, including one
// caused by an unreachable store, is reported as found=false with a nil error.
func (e *Engine) RecallConversation(ctx context.Context, userID, message string) (Recall, bool, error) {
	if err := e.check(conversationInput{UserID: userID, Message: message}); err != nil {
		return Recall{}, false, err
	}

	if rec, score, ok := e.cache.FindBestMatch(userID, message, e.cfg.CacheHitThreshold); ok {
		e.metrics.RecordRecall(SourceCache)
		return Recall{RecordID: rec.ID, Response: rec.Response, Score: score, Source: SourceCache}, true, nil
	}

	var (
		rec   ConversationRecord
		score float64
		found bool
	)
	err := e.timed("find_similar", func() error {
		var findErr error
		rec, score, found, findErr = e.store.FindSimilarConversation(ctx, userID, message, e.cfg.StoreHitThreshold, e.cfg.StoreScanLimit)
		return findErr
	})
	if err != nil {
		e.metrics.RecordRecall("error")
		logger.WarnCF("memory", "Store recall failed, treating as miss", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return Recall{}, false, nil
	}
	if !found {
		e.metrics.RecordRecall("miss")
		return Recall{}, false, nil
	}
	e.metrics.RecordRecall(SourceStore)
	return Recall{RecordID: rec.ID, Response: rec.Response, Score: score, Source: SourceStore}, true, nil
}

// StoreKnowledge upserts a topic fact and returns its derived id.
func (e *Engine) StoreKnowledge(ctx context.Context, topic, content, source string, confidence float64) (string, error) {
	if err := e.check(knowledgeInput{Topic: topic, Content: content, Confidence: confidence}); err != nil {
		return "", err
	}
	if strings.TrimSpace(source) == "" {
		source = DefaultKnowledgeSource
	}

	var item KnowledgeItem
	err := e.timed("upsert_knowledge", func() error {
		var upErr error
		item, upErr = e.store.UpsertKnowledge(ctx, topic, content, source, confidence, e.now())
		return upErr
	})
	if err != nil {
		return "", storageErr("store knowledge", err)
	}
	e.metrics.RecordKnowledgeOp("upsert")
	return item.ID, nil
}

// GetKnowledge returns items whose topic contains topic, best first. Every
// returned item is counted as used.
func (e *Engine) GetKnowledge(ctx context.Context, topic string, minConfidence float64) ([]KnowledgeItem, error) {
	if math.IsNaN(minConfidence) || minConfidence < 0 || minConfidence > 1 {
		return nil, &ValidationError{Field: "min_confidence", Reason: "must be within [0,1]"}
	}
	var items []KnowledgeItem
	err := e.timed("query_knowledge", func() error {
		var qErr error
		items, qErr = e.store.QueryKnowledge(ctx, topic, minConfidence, e.cfg.KnowledgeLimit, e.now())
		return qErr
	})
	if err != nil {
		return nil, storageErr("get knowledge", err)
	}
	e.metrics.RecordKnowledgeOp("query")
	return items, nil
}

// GetUserPatterns returns (message, response) pairs the user repeated.
func (e *Engine) GetUserPatterns(ctx context.Context, userID string) ([]UserPattern, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	out, err := e.store.QueryUserPatterns(ctx, userID, e.cfg.UserPatternLimit)
	if err != nil {
		return nil, storageErr("get user patterns", err)
	}
	return out, nil
}

func (e *Engine) GetUserProfile(ctx context.Context, userID string) (UserProfile, error) {
	p, err := e.profiles.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UserProfile{}, err
		}
		return UserProfile{}, storageErr("get user profile", err)
	}
	return p, nil
}

func (e *Engine) TopPatterns(ctx context.Context, limit int) ([]PatternRecord, error) {
	out, err := e.miner.Top(ctx, limit)
	if err != nil {
		return nil, storageErr("top patterns", err)
	}
	return out, nil
}

// CleanupOldMemories runs one retention sweep. Storage failures are returned.
func (e *Engine) CleanupOldMemories(ctx context.Context, daysOld int) (CleanupResult, error) {
	return e.retention.Sweep(ctx, daysOld)
}

// BackupMemory snapshots the store to dest, or to a timestamped file under
// the workspace when dest is empty, and returns the path written.
func (e *Engine) BackupMemory(ctx context.Context, dest string) (string, error) {
	if strings.TrimSpace(dest) == "" {
		if e.cfg.Workspace == "" {
			return "", &ValidationError{Field: "destination", Reason: "is required without a workspace"}
		}
		dest = filepath.Join(e.cfg.Workspace, "backups", "memory_backup_"+e.now().Format("20060102_150405")+".db")
	}
	if err := e.timed("snapshot", func() error { return e.store.Snapshot(ctx, dest) }); err != nil {
		logger.ErrorCF("memory", "Memory backup failed", map[string]interface{}{"path": dest, "error": err.Error()})
		return "", storageErr("backup memory", err)
	}
	logger.InfoCF("memory", "Memory backed up", map[string]interface{}{"path": dest})
	return dest, nil
}

func (e *Engine) GetMemoryStats(ctx context.Context) (Stats, error) {
	st, err := e.store.Stats(ctx, e.now())
	if err != nil {
		return Stats{}, storageErr("memory stats", err)
	}
	return st, nil
}

type conversationInput struct {
	UserID  string `json:"user_id" validate:"required"`
	Message string `json:"message" validate:"required"`
}

type knowledgeInput struct {
	Topic      string  `json:"topic" validate:"required"`
	Content    string  `json:"content" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// check validates in after trimming string fields, converting the first
// violation into a ValidationError.
func (e *Engine) check(in any) error {
	switch v := in.(type) {
	case conversationInput:
		v.UserID, v.Message = strings.TrimSpace(v.UserID), strings.TrimSpace(v.Message)
		in = v
	case knowledgeInput:
		if math.IsNaN(v.Confidence) {
			return &ValidationError{Field: "confidence", Reason: "must be within [0,1]"}
		}
		v.Topic, v.Content = strings.TrimSpace(v.Topic), strings.TrimSpace(v.Content)
		in = v
	}
	err := e.validate.Struct(in)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		fe := errs[0]
		reason := "is required"
		if fe.Tag() != "required" {
			reason = "must be within [0,1]"
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Field: "input", Reason: err.Error()}
}
