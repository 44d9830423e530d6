package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection serializes every read-modify-write issued by
	// concurrent workers, on top of the per-statement upserts below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			message TEXT NOT NULL,
			response TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			sentiment TEXT NOT NULL DEFAULT 'neutral',
			learned_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_user_time_idx ON conversations(user_id, timestamp_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS conversations_time_idx ON conversations(timestamp_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			last_used_ms INTEGER NOT NULL,
			use_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS knowledge_topic_idx ON knowledge(topic);`,
		`CREATE INDEX IF NOT EXISTS knowledge_last_used_idx ON knowledge(last_used_ms);`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			pattern_type TEXT NOT NULL,
			pattern_text TEXT NOT NULL,
			frequency INTEGER NOT NULL DEFAULT 0,
			last_seen_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS patterns_last_seen_idx ON patterns(last_seen_ms);`,
		`CREATE INDEX IF NOT EXISTS patterns_frequency_idx ON patterns(frequency DESC);`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			last_interaction_ms INTEGER NOT NULL,
			sentiment_history TEXT NOT NULL DEFAULT '[]'
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func toMS(t time.Time) int64 { return t.UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms) }

// ceilMS rounds t up to a whole millisecond so that "stored < ceilMS(t)"
// matches "stored < t" for millisecond timestamps.
func ceilMS(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

// escapeLike makes s match literally inside a LIKE pattern using '\' as escape.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

const conversationColumns = `id, user_id, message, response, timestamp_ms, context, sentiment, learned_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (ConversationRecord, error) {
	var rec ConversationRecord
	var tsMS int64
	var sentiment string
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Message, &rec.Response, &tsMS, &rec.Context, &sentiment, &rec.LearnedCount); err != nil {
		return ConversationRecord{}, err
	}
	rec.Timestamp = fromMS(tsMS)
	rec.Sentiment = Sentiment(sentiment)
	return rec, nil
}

func scanConversations(rows *sql.Rows) ([]ConversationRecord, error) {
	out := []ConversationRecord{}
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) InsertOrUpdateConversation(ctx context.Context, rec ConversationRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("insert conversation: empty id")
	}
	if rec.Sentiment == "" {
		rec.Sentiment = SentimentNeutral
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(`+conversationColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	message = excluded.message,
	response = excluded.response,
	timestamp_ms = excluded.timestamp_ms,
	context = excluded.context,
	sentiment = excluded.sentiment`,
		rec.ID, rec.UserID, rec.Message, rec.Response, toMS(rec.Timestamp), rec.Context, string(rec.Sentiment), rec.LearnedCount)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindSimilarConversation(ctx context.Context, userID, message string, minScore float64, scanLimit int) (ConversationRecord, float64, bool, error) {
	if scanLimit <= 0 {
		scanLimit = DefaultStoreScanLimit
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConversationRecord{}, 0, false, fmt.Errorf("find similar begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE user_id = ?
ORDER BY timestamp_ms DESC, rowid DESC
LIMIT ?`, userID, scanLimit)
	if err != nil {
		return ConversationRecord{}, 0, false, fmt.Errorf("find similar query: %w", err)
	}
	candidates, err := scanConversations(rows)
	rows.Close()
	if err != nil {
		return ConversationRecord{}, 0, false, err
	}

	for _, rec := range candidates {
		score := Similarity(message, rec.Message)
		if score < minScore {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET learned_count = learned_count + 1 WHERE id = ?`, rec.ID); err != nil {
			return ConversationRecord{}, 0, false, fmt.Errorf("find similar mark learned: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ConversationRecord{}, 0, false, fmt.Errorf("find similar commit: %w", err)
		}
		rec.LearnedCount++
		return rec, score, true, nil
	}
	return ConversationRecord{}, 0, false, nil
}

func (s *SQLiteStore) RecentConversations(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = DefaultCacheCapacity
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
ORDER BY timestamp_ms DESC, rowid DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent conversations: %w", err)
	}
	defer rows.Close()

	out, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	// oldest first, so replaying into the cache preserves time order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	rec, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversationRecord{}, ErrNotFound
		}
		return ConversationRecord{}, fmt.Errorf("get conversation: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) QueryUserPatterns(ctx context.Context, userID string, limit int) ([]UserPattern, error) {
	if limit <= 0 {
		limit = DefaultUserPatternLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT message, response, COUNT(*) AS frequency
FROM conversations
WHERE user_id = ?
GROUP BY message, response
HAVING COUNT(*) > 1
ORDER BY frequency DESC, MAX(timestamp_ms) DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user patterns: %w", err)
	}
	defer rows.Close()

	out := []UserPattern{}
	for rows.Next() {
		var p UserPattern
		if err := rows.Scan(&p.Message, &p.Response, &p.Frequency); err != nil {
			return nil, fmt.Errorf("scan user pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user patterns: %w", err)
	}
	return out, nil
}

const knowledgeColumns = `id, topic, content, source, confidence, last_used_ms, use_count`

func scanKnowledge(row rowScanner) (KnowledgeItem, error) {
	var it KnowledgeItem
	var lastUsedMS int64
	if err := row.Scan(&it.ID, &it.Topic, &it.Content, &it.Source, &it.Confidence, &lastUsedMS, &it.UseCount); err != nil {
		return KnowledgeItem{}, err
	}
	it.LastUsed = fromMS(lastUsedMS)
	return it, nil
}

func (s *SQLiteStore) UpsertKnowledge(ctx context.Context, topic, content, source string, confidence float64, at time.Time) (KnowledgeItem, error) {
	id := KnowledgeID(topic, content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return KnowledgeItem{}, fmt.Errorf("upsert knowledge begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO knowledge(`+knowledgeColumns+`)
VALUES(?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
	source = excluded.source,
	confidence = excluded.confidence,
	last_used_ms = excluded.last_used_ms,
	use_count = knowledge.use_count + 1`,
		id, topic, content, source, confidence, toMS(at)); err != nil {
		return KnowledgeItem{}, fmt.Errorf("upsert knowledge: %w", err)
	}

	out, err := scanKnowledge(tx.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge WHERE id = ?`, id))
	if err != nil {
		return KnowledgeItem{}, fmt.Errorf("read upserted knowledge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return KnowledgeItem{}, fmt.Errorf("upsert knowledge commit: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) QueryKnowledge(ctx context.Context, topic string, minConfidence float64, limit int, at time.Time) ([]KnowledgeItem, error) {
	if limit <= 0 {
		limit = DefaultKnowledgeLimit
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("query knowledge begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT `+knowledgeColumns+`
FROM knowledge
WHERE topic LIKE '%' || ? || '%' ESCAPE '\'
AND confidence >= ?
ORDER BY confidence DESC, use_count DESC
LIMIT ?`, escapeLike(topic), minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	out := []KnowledgeItem{}
	for rows.Next() {
		it, err := scanKnowledge(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out = append(out, it)
	}
	iterErr := rows.Err()
	rows.Close()
	if iterErr != nil {
		return nil, fmt.Errorf("iterate knowledge: %w", iterErr)
	}

	// Reads count as use.
	atMS := toMS(at)
	for i := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE knowledge SET last_used_ms = ?, use_count = use_count + 1 WHERE id = ?`, atMS, out[i].ID); err != nil {
			return nil, fmt.Errorf("touch knowledge: %w", err)
		}
		out[i].UseCount++
		out[i].LastUsed = fromMS(atMS)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("query knowledge commit: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertPattern(ctx context.Context, patternType, patternText string, at time.Time) error {
	if patternType == "" {
		patternType = PatternTrigram
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO patterns(id, pattern_type, pattern_text, frequency, last_seen_ms)
VALUES(?, ?, ?, 1, ?)
ON CONFLICT(id) DO UPDATE SET
	frequency = patterns.frequency + 1,
	last_seen_ms = excluded.last_seen_ms`,
		PatternID(patternText), patternType, patternText, toMS(at))
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

func scanPattern(row rowScanner) (PatternRecord, error) {
	var p PatternRecord
	var lastSeenMS int64
	if err := row.Scan(&p.ID, &p.PatternType, &p.PatternText, &p.Frequency, &lastSeenMS); err != nil {
		return PatternRecord{}, err
	}
	p.LastSeen = fromMS(lastSeenMS)
	return p, nil
}

func (s *SQLiteStore) GetPattern(ctx context.Context, patternText string) (PatternRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pattern_type, pattern_text, frequency, last_seen_ms
FROM patterns WHERE id = ?`, PatternID(patternText))
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PatternRecord{}, ErrNotFound
		}
		return PatternRecord{}, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) TopPatterns(ctx context.Context, limit int) ([]PatternRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pattern_type, pattern_text, frequency, last_seen_ms
FROM patterns
ORDER BY frequency DESC, last_seen_ms DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top patterns: %w", err)
	}
	defer rows.Close()

	out := []PatternRecord{}
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertUserProfile(ctx context.Context, userID string, sentiment Sentiment, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("upsert user profile: empty user_id")
	}
	if sentiment == "" {
		sentiment = SentimentNeutral
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_profiles(user_id, interaction_count, last_interaction_ms, sentiment_history)
VALUES(?, 1, ?, json_array(?))
ON CONFLICT(user_id) DO UPDATE SET
	interaction_count = user_profiles.interaction_count + 1,
	last_interaction_ms = excluded.last_interaction_ms,
	sentiment_history = json_insert(user_profiles.sentiment_history, '$[#]', ?)`,
		userID, toMS(at), string(sentiment), string(sentiment))
	if err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserProfile(ctx context.Context, userID string) (UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, interaction_count, last_interaction_ms, sentiment_history
FROM user_profiles WHERE user_id = ?`, userID)
	var p UserProfile
	var lastMS int64
	var historyRaw string
	if err := row.Scan(&p.UserID, &p.InteractionCount, &lastMS, &historyRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserProfile{}, ErrNotFound
		}
		return UserProfile{}, fmt.Errorf("get user profile: %w", err)
	}
	p.LastInteraction = fromMS(lastMS)
	p.SentimentHistory = decodeSentiments(historyRaw)
	return p, nil
}

func decodeSentiments(raw string) []Sentiment {
	out := []Sentiment{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []Sentiment{}
	}
	return out
}

func (s *SQLiteStore) DeleteStale(ctx context.Context, policy RetentionPolicy) (CleanupResult, error) {
	cutoffMS := ceilMS(policy.Cutoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var out CleanupResult
	res, err := tx.ExecContext(ctx, `
DELETE FROM conversations
WHERE timestamp_ms < ? AND learned_count = ?`, cutoffMS, policy.ConversationMaxLearned)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale conversations: %w", err)
	}
	out.ConversationsDeleted, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
DELETE FROM knowledge
WHERE last_used_ms < ? AND confidence < ?`, cutoffMS, policy.KnowledgeMinConfidence)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale knowledge: %w", err)
	}
	out.KnowledgeDeleted, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
DELETE FROM patterns
WHERE last_seen_ms < ? AND frequency < ?`, cutoffMS, policy.PatternMinFrequency)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale patterns: %w", err)
	}
	out.PatternsDeleted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale commit: %w", err)
	}
	return out, nil
}

// Snapshot writes a consistent copy of the database to destPath, which must not exist.
func (s *SQLiteStore) Snapshot(ctx context.Context, destPath string) error {
	if strings.TrimSpace(destPath) == "" {
		return fmt.Errorf("snapshot: empty destination")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("snapshot: destination %s already exists", destPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: stat destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("snapshot: create destination dir: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	dayAgoMS := toMS(now.Add(-24 * time.Hour))
	row := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM conversations),
	(SELECT COUNT(DISTINCT user_id) FROM conversations),
	(SELECT COUNT(*) FROM knowledge),
	(SELECT COUNT(DISTINCT topic) FROM knowledge),
	(SELECT COUNT(*) FROM patterns),
	(SELECT COUNT(*) FROM conversations WHERE timestamp_ms > ?)`, dayAgoMS)
	var st Stats
	if err := row.Scan(&st.TotalConversations, &st.UniqueUsers, &st.KnowledgeItems, &st.UniqueTopics, &st.Patterns, &st.ConversationsToday); err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	return st, nil
}
