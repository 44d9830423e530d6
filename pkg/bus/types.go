package bus

import "time"

// InboundMessage is a user message waiting for a reply.
type InboundMessage struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Sentiment  string            `json:"sentiment,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Reply sources reported on outbound messages.
const (
	SourceCache     = "cache"
	SourceStore     = "store"
	SourceGenerated = "generated"
	SourceFallback  = "fallback"
	SourceRejected  = "rejected"
)

// OutboundMessage is the reply to an inbound message.
type OutboundMessage struct {
	InReplyTo string  `json:"in_reply_to"`
	Channel   string  `json:"channel"`
	ChatID    string  `json:"chat_id"`
	Content   string  `json:"content"`
	Source    string  `json:"source"`
	Score     float64 `json:"score,omitempty"`
	Error     string  `json:"error,omitempty"`
}
