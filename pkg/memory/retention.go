package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/metrics"
)

const minSweepInterval = time.Second

// RetentionManager deletes stale, low-value records from the store and
// drops matching entries from the cache.
type RetentionManager struct {
	cfg     Config
	store   Store
	cache   *ShortTermCache
	metrics *metrics.Manager
	now     func() time.Time
}

func NewRetentionManager(cfg Config, store Store, cache *ShortTermCache, m *metrics.Manager, now func() time.Time) *RetentionManager {
	if now == nil {
		now = time.Now
	}
	return &RetentionManager{cfg: cfg.withDefaults(), store: store, cache: cache, metrics: m, now: now}
}

// Sweep removes records older than daysOld days that fail their family's
// value predicate.
func (r *RetentionManager) Sweep(ctx context.Context, daysOld int) (CleanupResult, error) {
	if daysOld <= 0 {
		return CleanupResult{}, &ValidationError{Field: "days_old", Reason: "must be positive"}
	}
	policy := r.cfg.RetentionPolicy(r.now(), daysOld)

	start := time.Now()
	res, err := r.store.DeleteStale(ctx, policy)
	r.metrics.ObserveStoreOp("delete_stale", time.Since(start))
	if err != nil {
		logger.ErrorCF("retention", "Retention sweep failed", map[string]interface{}{
			"days_old": daysOld,
			"error":    err.Error(),
		})
		return CleanupResult{}, storageErr("cleanup old memories", err)
	}

	pruned := 0
	if r.cache != nil {
		pruned = r.cache.PruneBefore(policy.Cutoff)
		r.metrics.SetCacheEntries(r.cache.Len())
	}
	r.metrics.RecordCleanupDeleted("conversations", res.ConversationsDeleted)
	r.metrics.RecordCleanupDeleted("knowledge", res.KnowledgeDeleted)
	r.metrics.RecordCleanupDeleted("patterns", res.PatternsDeleted)

	logger.InfoCF("retention", "Retention sweep completed", map[string]interface{}{
		"days_old":              daysOld,
		"cutoff":                policy.Cutoff.Format(time.RFC3339),
		"conversations_deleted": res.ConversationsDeleted,
		"knowledge_deleted":     res.KnowledgeDeleted,
		"patterns_deleted":      res.PatternsDeleted,
		"cache_pruned":          pruned,
	})
	return res, nil
}

// ValidateSchedule reports whether expr is a usable cron expression.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid retention schedule %q", expr)
	}
	return nil
}

// NextSweep returns the first schedule tick strictly after ref.
func NextSweep(expr string, ref time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next retention tick for %q: %w", expr, err)
	}
	return next, nil
}

// Run sweeps on the configured schedule until ctx is cancelled. Sweep
// failures are logged and the schedule continues.
func (r *RetentionManager) Run(ctx context.Context) {
	expr := r.cfg.RetentionSchedule
	if expr == "" {
		return
	}
	if err := ValidateSchedule(expr); err != nil {
		logger.ErrorCF("retention", "Retention worker disabled", map[string]interface{}{"error": err.Error()})
		return
	}

	for {
		next, err := NextSweep(expr, r.now())
		if err != nil {
			logger.ErrorCF("retention", "Retention worker stopped", map[string]interface{}{"error": err.Error()})
			return
		}
		logger.DebugCF("retention", "Next retention sweep scheduled", map[string]interface{}{
			"at": next.Format(time.RFC3339),
		})

		// Wait on the same clock that produced next.
		wait := next.Sub(r.now())
		if wait < minSweepInterval {
			wait = minSweepInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := r.Sweep(ctx, r.cfg.RetentionDays); err != nil && ctx.Err() != nil {
			return
		}
	}
}
