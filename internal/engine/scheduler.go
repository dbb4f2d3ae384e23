package engine

import (
	"context"
	"time"
)

// Run drives the viewer: one sync immediately, then a one-second tick that
// refreshes the countdown and fires a sync whenever the wall-clock second
// reaches a multiple of the sync period (second 0 with the default period).
// Syncs run in their own goroutines and may overlap. Run returns when ctx is
// done, after in-flight syncs finish.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	return e.run(ctx, t.C)
}

func (e *Engine) run(ctx context.Context, ticks <-chan time.Time) error {
	defer e.Wait()
	e.SyncAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			if e.Tick() {
				e.SyncAsync(ctx)
				continue
			}
			e.notify()
		}
	}
}

// Tick updates the countdown from the clock and reports whether a sync is due.
func (e *Engine) Tick() bool {
	s := e.now().Second()
	e.mu.Lock()
	e.nextSync = e.period - s%e.period
	e.mu.Unlock()
	return s%e.period == 0
}

// NextSyncSeconds is the countdown shown to the user.
func (e *Engine) NextSyncSeconds() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nextSync
}
