package memory

import (
	"context"
	"time"
)

// Store provides durable persistence for all memory state. It is the
// source of truth; the short-term cache only mirrors recent conversations.
type Store interface {
	Close() error

	InsertOrUpdateConversation(ctx context.Context, rec ConversationRecord) error
	FindSimilarConversation(ctx context.Context, userID, message string, minScore float64, scanLimit int) (ConversationRecord, float64, bool, error)
	RecentConversations(ctx context.Context, limit int) ([]ConversationRecord, error)
	GetConversation(ctx context.Context, id string) (ConversationRecord, error)
	QueryUserPatterns(ctx context.Context, userID string, limit int) ([]UserPattern, error)

	UpsertKnowledge(ctx context.Context, topic, content, source string, confidence float64, at time.Time) (KnowledgeItem, error)
	QueryKnowledge(ctx context.Context, topic string, minConfidence float64, limit int, at time.Time) ([]KnowledgeItem, error)

	UpsertPattern(ctx context.Context, patternType, patternText string, at time.Time) error
	GetPattern(ctx context.Context, patternText string) (PatternRecord, error)
	TopPatterns(ctx context.Context, limit int) ([]PatternRecord, error)

	UpsertUserProfile(ctx context.Context, userID string, sentiment Sentiment, at time.Time) error
	GetUserProfile(ctx context.Context, userID string) (UserProfile, error)

	DeleteStale(ctx context.Context, policy RetentionPolicy) (CleanupResult, error)
	Snapshot(ctx context.Context, destPath string) error
	Stats(ctx context.Context, now time.Time) (Stats, error)
}
