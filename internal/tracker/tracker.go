package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
)

var (
	ErrContactRequired  = errors.New("contact handle is required")
	ErrLocationRequired = errors.New("location permission is required")
	ErrInvalidRole      = errors.New("role must be DRIVER or PASSENGER")
	ErrAlreadyOnline    = errors.New("already online")
)

// Writer is the part of the presence table the tracker writes to.
type Writer interface {
	Upsert(ctx context.Context, rec models.PresenceRecord) error
	Delete(ctx context.Context, id string) error
}

// Tracker keeps the local coordinate and the viewer's own presence session.
type Tracker struct {
	table  Writer
	source LocationSource
	logger *zap.Logger

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
	// OnChange, when set, is called after every coordinate or session change.
	OnChange func()

	mu       sync.RWMutex
	location *models.Coord
	session  *models.PresenceRecord

	// writeMu orders remote writes so a delete always lands after any earlier upsert.
	writeMu sync.Mutex
}

func New(table Writer, source LocationSource, logger *zap.Logger) *Tracker {
	return &Tracker{
		table:  table,
		source: source,
		logger: logger,
		Now:    time.Now,
		NewID:  func() string { return "u-" + uuid.NewString() },
	}
}

// StartWatching subscribes to the location source until ctx is done.
// Provider errors are logged; the last good coordinate (if any) is kept.
func (t *Tracker) StartWatching(ctx context.Context) {
	fixes := t.source.Watch(ctx)
	go func() {
		for fix := range fixes {
			switch {
			case fix.Err != nil:
				t.logger.Warn("location unavailable", zap.Error(fix.Err))
			case fix.Coord == nil || !fix.Coord.Valid():
				t.logger.Warn("ignoring invalid location fix", zap.Any("coord", fix.Coord))
			default:
				t.SetLocation(*fix.Coord)
			}
		}
	}()
}

func (t *Tracker) SetLocation(c models.Coord) {
	t.mu.Lock()
	t.location = &c
	t.mu.Unlock()
	t.changed()
}

// GoOnline opens a new presence session. The record is only written on the next Publish.
func (t *Tracker) GoOnline(role models.Role, destination, contact string) (models.PresenceRecord, error) {
	contact = models.NormalizeContact(contact)
	if !role.Valid() {
		return models.PresenceRecord{}, ErrInvalidRole
	}

	t.mu.Lock()
	if contact == "" {
		t.mu.Unlock()
		return models.PresenceRecord{}, ErrContactRequired
	}
	if t.location == nil {
		t.mu.Unlock()
		return models.PresenceRecord{}, ErrLocationRequired
	}
	if t.session != nil {
		t.mu.Unlock()
		return models.PresenceRecord{}, ErrAlreadyOnline
	}
	now := t.Now().UnixMilli()
	rec := models.PresenceRecord{
		ID:            t.NewID(),
		Role:          role,
		VehicleType:   models.VehicleFor(role),
		Location:      *t.location,
		Destination:   models.NormalizeDestination(destination),
		ContactHandle: contact,
		CreatedAt:     now,
		LastSeen:      now,
	}
	t.session = &rec
	t.mu.Unlock()

	observability.ViewerOnline.Set(1)
	t.logger.Info("viewer online", zap.String("id", rec.ID), zap.String("role", string(rec.Role)))
	t.changed()
	return rec, nil
}

// GoOffline deletes the viewer's record and closes the session. Delete failures are
// logged only; the session is closed either way. It is a no-op when offline.
func (t *Tracker) GoOffline(ctx context.Context) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	session := t.session
	t.mu.RUnlock()
	if session == nil {
		return
	}

	err := t.table.Delete(ctx, session.ID)
	observability.TableOps.WithLabelValues("delete", observability.Result(err)).Inc()
	if err != nil {
		t.logger.Error("delete presence failed", zap.String("id", session.ID), zap.Error(err))
	}

	t.mu.Lock()
	if t.session != nil && t.session.ID == session.ID {
		t.session = nil
	}
	t.mu.Unlock()

	observability.ViewerOnline.Set(0)
	t.logger.Info("viewer offline", zap.String("id", session.ID))
	t.changed()
}

// Publish upserts the live session with a fresh heartbeat. It reports whether a
// write was attempted; nothing is written while offline or without a coordinate.
func (t *Tracker) Publish(ctx context.Context, now time.Time) (bool, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	if t.session == nil || t.location == nil {
		t.mu.RUnlock()
		return false, nil
	}
	rec := *t.session
	rec.Location = *t.location
	t.mu.RUnlock()

	rec.ContactHandle = models.NormalizeContact(rec.ContactHandle)
	rec.LastSeen = now.UnixMilli()

	err := t.table.Upsert(ctx, rec)
	observability.TableOps.WithLabelValues("upsert", observability.Result(err)).Inc()
	if err != nil {
		return true, err
	}

	t.mu.Lock()
	if t.session != nil && t.session.ID == rec.ID {
		t.session.Location = rec.Location
		t.session.LastSeen = rec.LastSeen
	}
	t.mu.Unlock()
	return true, nil
}

// Snapshot returns copies of the current coordinate and session; either may be nil.
func (t *Tracker) Snapshot() (*models.Coord, *models.PresenceRecord) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var loc *models.Coord
	if t.location != nil {
		c := *t.location
		loc = &c
	}
	var self *models.PresenceRecord
	if t.session != nil {
		s := *t.session
		self = &s
	}
	return loc, self
}

func (t *Tracker) changed() {
	if t.OnChange != nil {
		t.OnChange()
	}
}
