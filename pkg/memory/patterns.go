package memory

import (
	"context"
	"time"
)

// PatternMiner counts recurring trigrams of stored messages.
type PatternMiner struct {
	store Store
}

func NewPatternMiner(store Store) *PatternMiner {
	return &PatternMiner{store: store}
}

// Mine upserts every overlapping trigram of message and returns how many
// windows were written. Messages shorter than three tokens are skipped.
// Each upsert is atomic on its own; a failure stops the pass.
func (m *PatternMiner) Mine(ctx context.Context, message string, at time.Time) (int, error) {
	written := 0
	for _, tri := range Trigrams(message) {
		if err := m.store.UpsertPattern(ctx, PatternTrigram, tri, at); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// Top returns the most frequent mined patterns.
func (m *PatternMiner) Top(ctx context.Context, limit int) ([]PatternRecord, error) {
	return m.store.TopPatterns(ctx, limit)
}
