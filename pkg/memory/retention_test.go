package memory

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"", "0 3 * * *", "*/15 * * * *", "@daily"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Fatalf("expected %q to be valid: %v", expr, err)
		}
	}
	for _, expr := range []string{"every night", "* * *"} {
		if err := ValidateSchedule(expr); err == nil {
			t.Fatalf("expected %q to be rejected", expr)
		}
	}
}

func TestNextSweep(t *testing.T) {
	ref := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	next, err := NextSweep("0 3 * * *", ref)
	if err != nil {
		t.Fatalf("next sweep: %v", err)
	}
	want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	next, err = NextSweep("0 3 * * *", want)
	if err != nil {
		t.Fatalf("next sweep at tick: %v", err)
	}
	if !next.Equal(want.Add(24 * time.Hour)) {
		t.Fatalf("expected the following day, got %v", next)
	}
}

func TestRetentionManager_SweepRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)

	_ = store.InsertOrUpdateConversation(ctx, ConversationRecord{ID: "a", UserID: "u1", Message: "a", Response: "a", Timestamp: old})
	_ = store.InsertOrUpdateConversation(ctx, ConversationRecord{ID: "b", UserID: "u1", Message: "b", Response: "b", Timestamp: old})
	_ = store.UpsertPattern(ctx, PatternTrigram, "x y z", old)

	cache := NewShortTermCache(10)
	cache.Insert(ConversationRecord{ID: "a", UserID: "u1", Message: "a", Timestamp: old})

	m := metrics.NewManager(metrics.Config{Enabled: true})
	rm := NewRetentionManager(Config{}, store, cache, m, func() time.Time { return now })

	res, err := rm.Sweep(ctx, 30)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ConversationsDeleted != 2 || res.PatternsDeleted != 1 {
		t.Fatalf("unexpected result: %#v", res)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected cache pruned, got %d entries", cache.Len())
	}

	want := `
# HELP dotmemory_cleanup_deleted_total Records deleted by retention sweeps per family.
# TYPE dotmemory_cleanup_deleted_total counter
dotmemory_cleanup_deleted_total{family="conversations"} 2
dotmemory_cleanup_deleted_total{family="patterns"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "dotmemory_cleanup_deleted_total"); err != nil {
		t.Fatalf("cleanup metrics: %v", err)
	}

	if _, err := rm.Sweep(ctx, -1); err == nil {
		t.Fatalf("expected negative days to be rejected")
	}
}

func TestRetentionManager_RunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	rm := NewRetentionManager(Config{RetentionSchedule: "0 3 * * *"}, store, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rm.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("retention worker did not stop after cancel")
	}
}

// sweepCountingStore counts DeleteStale calls.
type sweepCountingStore struct {
	Store
	sweeps atomic.Int32
}

func (s *sweepCountingStore) DeleteStale(ctx context.Context, policy RetentionPolicy) (CleanupResult, error) {
	s.sweeps.Add(1)
	return s.Store.DeleteStale(ctx, policy)
}

func TestRetentionManager_RunWaitsOnInjectedClock(t *testing.T) {
	store := &sweepCountingStore{Store: newTestStore(t)}
	fixed := time.Date(2020, 1, 1, 0, 0, 30, 0, time.UTC)
	rm := NewRetentionManager(Config{RetentionSchedule: "* * * * *"}, store, NewShortTermCache(10), nil, func() time.Time { return fixed })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rm.Run(ctx)
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	if n := store.sweeps.Load(); n > 1 {
		t.Fatalf("expected at most one sweep with a clock behind real time, got %d", n)
	}
}
