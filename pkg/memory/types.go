package memory

import (
	"strings"
	"time"
)

// Sentiment labels a stored exchange.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// ParseSentiment normalizes a label. Empty input is neutral.
func ParseSentiment(raw string) (Sentiment, error) {
	switch s := Sentiment(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return SentimentNeutral, nil
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return s, nil
	default:
		return "", &ValidationError{Field: "sentiment", Reason: "must be positive, negative or neutral"}
	}
}

// ConversationRecord is one stored message/response exchange.
type ConversationRecord struct {
	ID           string
	UserID       string
	Message      string
	Response     string
	Timestamp    time.Time
	Context      string
	Sentiment    Sentiment
	LearnedCount int
}

// KnowledgeItem is a topic fact with a caller-assigned confidence.
type KnowledgeItem struct {
	ID         string
	Topic      string
	Content    string
	Source     string
	Confidence float64
	LastUsed   time.Time
	UseCount   int
}

const PatternTrigram = "trigram"

// PatternRecord counts a recurring token window across stored messages.
type PatternRecord struct {
	ID          string
	PatternType string
	PatternText string
	Frequency   int
	LastSeen    time.Time
}

// UserProfile tracks interaction counters per user.
type UserProfile struct {
	UserID           string
	InteractionCount int
	LastInteraction  time.Time
	SentimentHistory []Sentiment
}

// UserPattern is a (message, response) pair a user repeated.
type UserPattern struct {
	Message   string
	Response  string
	Frequency int
}

// RetentionPolicy selects stale, low-value records for deletion.
// Records stamped exactly at Cutoff are retained.
type RetentionPolicy struct {
	Cutoff                 time.Time
	ConversationMaxLearned int
	KnowledgeMinConfidence float64
	PatternMinFrequency    int
}

// CleanupResult reports deletions per record family.
type CleanupResult struct {
	ConversationsDeleted int64
	KnowledgeDeleted     int64
	PatternsDeleted      int64
}

func (r CleanupResult) Total() int64 {
	return r.ConversationsDeleted + r.KnowledgeDeleted + r.PatternsDeleted
}

// Stats aggregates store contents.
type Stats struct {
	TotalConversations int `json:"total_conversations"`
	UniqueUsers        int `json:"unique_users"`
	KnowledgeItems     int `json:"knowledge_items"`
	UniqueTopics       int `json:"unique_topics"`
	Patterns           int `json:"patterns"`
	ConversationsToday int `json:"conversations_today"`
}

// Recall source values.
const (
	SourceCache = "cache"
	SourceStore = "store"
)

// Recall is a successful conversation recall.
type Recall struct {
	RecordID string
	Response string
	Score    float64
	Source   string
}
