package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/matcher"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
	"github.com/example/ride-presence/internal/tracker"
)

// DefaultWindow is how recent a heartbeat must be for a record to count as live.
const DefaultWindow = 30 * time.Minute

// Table is what a viewer needs from the shared presence table.
type Table interface {
	Upsert(ctx context.Context, rec models.PresenceRecord) error
	Delete(ctx context.Context, id string) error
	ListSince(ctx context.Context, sinceMs int64) ([]models.PresenceRecord, error)
}

type Options struct {
	Window time.Duration
	// SyncPeriodSeconds must divide a minute; syncs fire when the wall-clock
	// second is a multiple of it.
	SyncPeriodSeconds int
	Matcher           *matcher.Service
	Now               func() time.Time
}

// Engine is the viewer's application state: the tracker, the candidate pool from
// the latest sync and the countdown to the next one.
type Engine struct {
	table   Table
	tracker *tracker.Tracker
	matcher *matcher.Service
	logger  *zap.Logger
	window  time.Duration
	period  int
	now     func() time.Time

	mu         sync.RWMutex
	pool       []models.PresenceRecord
	nextSync   int
	lastSyncAt int64

	subMu sync.Mutex
	subs  map[chan models.View]struct{}

	// syncs tracks fire-and-forget syncs so tests and shutdown can wait for them.
	syncs sync.WaitGroup
}

func New(table Table, tr *tracker.Tracker, logger *zap.Logger, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SyncPeriodSeconds <= 0 || opts.SyncPeriodSeconds > 60 || 60%opts.SyncPeriodSeconds != 0 {
		opts.SyncPeriodSeconds = 60
	}
	if opts.Matcher == nil {
		opts.Matcher = matcher.NewService()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		table:    table,
		tracker:  tr,
		matcher:  opts.Matcher,
		logger:   logger,
		window:   opts.Window,
		period:   opts.SyncPeriodSeconds,
		now:      opts.Now,
		nextSync: opts.SyncPeriodSeconds,
		subs:     make(map[chan models.View]struct{}),
	}
	tr.OnChange = e.notify
	return e
}

// Sync publishes the viewer's heartbeat (when online) and replaces the candidate
// pool with every live record except the viewer's own. A failed heartbeat is logged
// and the read still happens; a failed read leaves the previous pool in place.
func (e *Engine) Sync(ctx context.Context) {
	start := time.Now()
	err := e.sync(ctx)
	observability.SyncLatency.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, errNoLocation):
		observability.SyncsTotal.WithLabelValues("skipped").Inc()
		return
	case err != nil:
		observability.SyncsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("sync failed", zap.Error(err))
		return
	}
	observability.SyncsTotal.WithLabelValues("ok").Inc()
	e.notify()
}

var errNoLocation = errors.New("no location yet")

func (e *Engine) sync(ctx context.Context) error {
	if loc, _ := e.tracker.Snapshot(); loc == nil {
		return errNoLocation
	}
	now := e.now()

	// own ids seen before the write and after the read; the session may change in between
	exclude := make(map[string]struct{}, 2)
	if _, self := e.tracker.Snapshot(); self != nil {
		exclude[self.ID] = struct{}{}
	}
	if _, err := e.tracker.Publish(ctx, now); err != nil {
		e.logger.Warn("publish presence failed", zap.Error(err))
	}

	since := now.Add(-e.window).UnixMilli()
	rows, err := e.table.ListSince(ctx, since)
	observability.TableOps.WithLabelValues("list", observability.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("list presence: %w", err)
	}

	if _, self := e.tracker.Snapshot(); self != nil {
		exclude[self.ID] = struct{}{}
	}
	pool := make([]models.PresenceRecord, 0, len(rows))
	for _, r := range rows {
		if _, own := exclude[r.ID]; own {
			continue
		}
		if r.LastSeen <= since {
			continue
		}
		pool = append(pool, r)
	}

	e.mu.Lock()
	e.pool = pool
	e.lastSyncAt = now.UnixMilli()
	e.mu.Unlock()
	observability.PoolSize.Set(float64(len(pool)))
	return nil
}

// SyncAsync starts a sync without waiting for it.
func (e *Engine) SyncAsync(ctx context.Context) {
	e.syncs.Add(1)
	go func() {
		defer e.syncs.Done()
		e.Sync(ctx)
	}()
}

// Wait blocks until every sync started with SyncAsync has returned.
func (e *Engine) Wait() { e.syncs.Wait() }

type OnlineRequest struct {
	Role        models.Role `json:"role"`
	Destination string      `json:"destination"`
	Contact     string      `json:"contact"`
}

// GoOnline opens the viewer's session and immediately syncs in the background.
func (e *Engine) GoOnline(ctx context.Context, in OnlineRequest) (models.PresenceRecord, error) {
	rec, err := e.tracker.GoOnline(in.Role, in.Destination, in.Contact)
	if err != nil {
		return rec, err
	}
	e.SyncAsync(ctx)
	return rec, nil
}

func (e *Engine) GoOffline(ctx context.Context) { e.tracker.GoOffline(ctx) }

// View ranks the current pool for the current coordinate and session.
func (e *Engine) View() models.View {
	loc, self := e.tracker.Snapshot()

	e.mu.RLock()
	pool := e.pool
	next := e.nextSync
	last := e.lastSyncAt
	e.mu.RUnlock()

	v := matcher.Viewer{Location: loc}
	if self != nil {
		v.Online = true
		v.Role = self.Role
	}
	return models.View{
		Online:          self != nil,
		Self:            self,
		Location:        loc,
		NextSyncSeconds: next,
		LastSyncAt:      last,
		Candidates:      e.matcher.Rank(pool, v),
	}
}

// Pool returns a copy of the candidate pool from the latest sync.
func (e *Engine) Pool() []models.PresenceRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.PresenceRecord, len(e.pool))
	copy(out, e.pool)
	return out
}

// Subscribe returns a channel of views emitted after syncs and state changes.
// Slow subscribers miss intermediate views. Call the returned func to unsubscribe.
func (e *Engine) Subscribe() (<-chan models.View, func()) {
	ch := make(chan models.View, 1)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	return ch, func() {
		e.subMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subMu.Unlock()
	}
}

func (e *Engine) notify() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if len(e.subs) == 0 {
		return
	}
	v := e.View()
	for ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
