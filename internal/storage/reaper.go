package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/observability"
)

// Pruner is a secondary index that can drop expired entries, e.g. the geo index.
type Pruner interface {
	Prune(ctx context.Context, beforeMs int64) (int, error)
}

// Reaper periodically deletes records that readers already ignore from the store,
// the index, or both (either may be nil). Readers filter by the trailing window
// regardless; this only bounds growth.
type Reaper struct {
	Store    PresenceStore
	Index    Pruner
	Window   time.Duration
	Grace    time.Duration
	Interval time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

func (r *Reaper) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		return nil
	}
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce deletes records last seen at or before now - (Window + Grace) and
// returns how many store rows went.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	cutoff := now().Add(-(r.Window + r.Grace)).UnixMilli()

	if r.Index != nil {
		n, err := r.Index.Prune(ctx, cutoff)
		observability.TableOps.WithLabelValues("prune", observability.Result(err)).Inc()
		if err != nil {
			r.Logger.Warn("index prune failed", zap.Error(err))
		} else if n > 0 {
			r.Logger.Debug("pruned geo index", zap.Int("count", n), zap.Int64("cutoff_ms", cutoff))
		}
	}
	if r.Store == nil {
		return 0
	}

	n, err := r.Store.DeleteStale(ctx, cutoff)
	observability.TableOps.WithLabelValues("reap", observability.Result(err)).Inc()
	if err != nil {
		r.Logger.Warn("reap failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		observability.RecordsReaped.Add(float64(n))
		r.Logger.Info("reaped stale presence records", zap.Int("count", n), zap.Int64("cutoff_ms", cutoff))
	}
	return n
}
