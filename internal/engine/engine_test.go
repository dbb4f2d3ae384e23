package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/storage"
	"github.com/example/ride-presence/internal/tracker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// countingTable wraps a store and counts calls; upsertErr and listErr make writes
// and reads fail, afterList runs once rows have been read.
type countingTable struct {
	*storage.MemoryStore
	mu        sync.Mutex
	writes    int
	lists     int
	upsertErr error
	listErr   error
	afterList func()
}

func (c *countingTable) Upsert(ctx context.Context, r models.PresenceRecord) error {
	c.mu.Lock()
	c.writes++
	err := c.upsertErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.MemoryStore.Upsert(ctx, r)
}

func (c *countingTable) ListSince(ctx context.Context, since int64) ([]models.PresenceRecord, error) {
	c.mu.Lock()
	c.lists++
	err, after := c.listErr, c.afterList
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rows, err := c.MemoryStore.ListSince(ctx, since)
	if after != nil {
		after()
	}
	return rows, err
}

type fixture struct {
	table   *countingTable
	tracker *tracker.Tracker
	engine  *Engine
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 10, 18, 12, 0, 30, 0, time.UTC)}
	table := &countingTable{MemoryStore: storage.NewMemoryStore()}
	tr := tracker.New(table, tracker.NewPushSource(), zap.NewNop())
	tr.Now = clk.Now
	tr.NewID = func() string { return "u-self" }
	e := New(table, tr, zap.NewNop(), Options{Now: clk.Now})
	return &fixture{table: table, tracker: tr, engine: e, clock: clk}
}

func (f *fixture) seed(t *testing.T, id string, role models.Role, lat, lng float64, age time.Duration) {
	t.Helper()
	seen := f.clock.Now().Add(-age).UnixMilli()
	require.NoError(t, f.table.MemoryStore.Upsert(context.Background(), models.PresenceRecord{
		ID: id, Role: role, VehicleType: models.VehicleFor(role),
		Location: models.Coord{Lat: lat, Lng: lng}, Destination: "Ulus", ContactHandle: id,
		CreatedAt: seen, LastSeen: seen,
	}))
}

func TestPassengerSeesNearbyDriver(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, 60*time.Second)
	f.seed(t, "passenger", models.RolePassenger, 39.91, 32.80, 60*time.Second)

	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	_, err := f.engine.GoOnline(context.Background(), OnlineRequest{Role: models.RolePassenger, Contact: "@ayse"})
	require.NoError(t, err)
	f.engine.Wait()

	v := f.engine.View()
	require.True(t, v.Online)
	require.Len(t, v.Candidates, 1)
	c := v.Candidates[0]
	assert.Equal(t, "driver", c.ID)
	assert.Equal(t, 1, c.Rank)
	assert.Greater(t, c.DistanceKm, 0.0)
	assert.Equal(t, 180, c.EstimatedPrice)
}

func TestStaleDriverIsNeverFetched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, 2_000_000*time.Millisecond)
	f.seed(t, "passenger", models.RolePassenger, 39.91, 32.80, 60*time.Second)

	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	_, err := f.engine.GoOnline(context.Background(), OnlineRequest{Role: models.RolePassenger, Contact: "ayse"})
	require.NoError(t, err)
	f.engine.Wait()

	for _, r := range f.engine.Pool() {
		assert.NotEqual(t, "driver", r.ID)
	}
	assert.Empty(t, f.engine.View().Candidates)
}

func TestSyncExcludesOwnRecord(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	_, err := f.engine.GoOnline(context.Background(), OnlineRequest{Role: models.RoleDriver, Contact: "mehmet"})
	require.NoError(t, err)
	f.engine.Wait()

	_, ok := f.table.Get("u-self")
	require.True(t, ok, "own record is published")
	assert.Empty(t, f.engine.Pool())
}

func TestSyncWithoutLocationDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, time.Minute)

	f.engine.Sync(context.Background())
	assert.Zero(t, f.table.lists)
	assert.Zero(t, f.table.writes)
	assert.Empty(t, f.engine.Pool())
	assert.Empty(t, f.engine.View().Candidates)
}

func TestOfflineSyncReadsWithoutWriting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, time.Minute)
	f.seed(t, "passenger", models.RolePassenger, 39.91, 32.80, time.Minute)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})

	f.engine.Sync(context.Background())
	assert.Zero(t, f.table.writes)
	v := f.engine.View()
	assert.False(t, v.Online)
	assert.Len(t, v.Candidates, 2, "offline viewers see both roles")
}

func TestFailedSyncKeepsPreviousPool(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, time.Minute)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	f.engine.Sync(context.Background())
	require.Len(t, f.engine.Pool(), 1)

	f.table.mu.Lock()
	f.table.listErr = errors.New("backend unavailable")
	f.table.mu.Unlock()
	f.engine.Sync(context.Background())
	assert.Len(t, f.engine.Pool(), 1)
}

func TestFailedHeartbeatStillRefreshesPool(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, time.Minute)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	_, err := f.tracker.GoOnline(models.RolePassenger, "", "ayse")
	require.NoError(t, err)

	f.table.mu.Lock()
	f.table.upsertErr = errors.New("write rejected")
	f.table.mu.Unlock()
	f.engine.Sync(context.Background())

	assert.Equal(t, 1, f.table.writes)
	assert.Equal(t, 1, f.table.lists)
	pool := f.engine.Pool()
	require.Len(t, pool, 1)
	assert.Equal(t, "driver", pool[0].ID)
}

func TestGoOfflineDuringReadKeepsOwnRecordOut(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, time.Minute)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	_, err := f.tracker.GoOnline(models.RoleDriver, "", "mehmet")
	require.NoError(t, err)

	f.table.afterList = func() { f.tracker.GoOffline(context.Background()) }
	f.engine.Sync(context.Background())

	_, self := f.tracker.Snapshot()
	require.Nil(t, self)
	pool := f.engine.Pool()
	require.Len(t, pool, 1)
	assert.Equal(t, "driver", pool[0].ID)
	for _, c := range f.engine.View().Candidates {
		assert.NotEqual(t, "u-self", c.ID)
	}
}

func TestSyncReplacesPool(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", models.RoleDriver, 39.92, 32.81, time.Minute)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	f.engine.Sync(context.Background())
	require.Len(t, f.engine.Pool(), 1)

	require.NoError(t, f.table.Delete(context.Background(), "a"))
	f.seed(t, "b", models.RoleDriver, 39.93, 32.81, time.Minute)
	f.engine.Sync(context.Background())
	pool := f.engine.Pool()
	require.Len(t, pool, 1)
	assert.Equal(t, "b", pool[0].ID)
}

func TestGoOnlineThenOfflineRemovesRecord(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	ctx := context.Background()
	_, err := f.engine.GoOnline(ctx, OnlineRequest{Role: models.RoleDriver, Contact: "mehmet"})
	require.NoError(t, err)
	f.engine.GoOffline(ctx)
	f.engine.Wait()

	_, ok := f.table.Get("u-self")
	assert.False(t, ok)
	assert.False(t, f.engine.View().Online)
}

func TestGoOnlinePreconditionFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GoOnline(context.Background(), OnlineRequest{Role: models.RoleDriver, Contact: "mehmet"})
	assert.ErrorIs(t, err, tracker.ErrLocationRequired)

	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	_, err = f.engine.GoOnline(context.Background(), OnlineRequest{Role: models.RoleDriver, Contact: ""})
	assert.ErrorIs(t, err, tracker.ErrContactRequired)

	f.engine.Wait()
	assert.Zero(t, f.table.writes)
	assert.False(t, f.engine.View().Online)
}

func TestTickCountdown(t *testing.T) {
	f := newFixture(t)

	f.clock.Set(time.Date(2026, 10, 18, 12, 0, 45, 0, time.UTC))
	assert.False(t, f.engine.Tick())
	assert.Equal(t, 15, f.engine.NextSyncSeconds())

	f.clock.Set(time.Date(2026, 10, 18, 12, 1, 0, 0, time.UTC))
	assert.True(t, f.engine.Tick())
	assert.Equal(t, 60, f.engine.NextSyncSeconds())
}

func TestRunSyncsOnStartAndAtMinuteBoundary(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})

	ticks := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.engine.run(ctx, ticks)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		f.table.mu.Lock()
		defer f.table.mu.Unlock()
		return f.table.lists == 1
	}, time.Second, 5*time.Millisecond)

	f.clock.Set(time.Date(2026, 10, 18, 12, 0, 59, 0, time.UTC))
	ticks <- time.Now()
	f.clock.Set(time.Date(2026, 10, 18, 12, 1, 0, 0, time.UTC))
	ticks <- time.Now()

	assert.Eventually(t, func() bool {
		f.table.mu.Lock()
		defer f.table.mu.Unlock()
		return f.table.lists == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSubscribeReceivesViewAfterSync(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "driver", models.RoleDriver, 39.92, 32.81, time.Minute)

	views, unsubscribe := f.engine.Subscribe()
	defer unsubscribe()

	f.tracker.SetLocation(models.Coord{Lat: 39.90, Lng: 32.80})
	f.engine.Sync(context.Background())

	require.Eventually(t, func() bool {
		select {
		case v := <-views:
			return len(v.Candidates) == 1
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
