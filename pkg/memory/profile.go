package memory

import (
	"context"
	"time"
)

// ProfileTracker maintains per-user interaction counters.
type ProfileTracker struct {
	store Store
}

func NewProfileTracker(store Store) *ProfileTracker {
	return &ProfileTracker{store: store}
}

// Track records one interaction for userID.
func (t *ProfileTracker) Track(ctx context.Context, userID string, sentiment Sentiment, at time.Time) error {
	return t.store.UpsertUserProfile(ctx, userID, sentiment, at)
}

// Profile returns ErrNotFound for users that never interacted.
func (t *ProfileTracker) Profile(ctx context.Context, userID string) (UserProfile, error) {
	return t.store.GetUserProfile(ctx, userID)
}

// SentimentBreakdown counts each label in the profile history.
func SentimentBreakdown(p UserProfile) map[Sentiment]int {
	out := map[Sentiment]int{
		SentimentPositive: 0,
		SentimentNegative: 0,
		SentimentNeutral:  0,
	}
	for _, s := range p.SentimentHistory {
		out[s]++
	}
	return out
}
