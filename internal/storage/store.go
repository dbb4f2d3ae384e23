package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-presence/internal/models"
)

var ErrInvalidRecord = errors.New("invalid presence record")

// PresenceStore is the shared presence table.
type PresenceStore interface {
	Upsert(ctx context.Context, rec models.PresenceRecord) error
	Delete(ctx context.Context, id string) error
	// ListSince returns every record with LastSeen strictly greater than sinceMs.
	ListSince(ctx context.Context, sinceMs int64) ([]models.PresenceRecord, error)
	// DeleteStale removes records with LastSeen at or before beforeMs.
	DeleteStale(ctx context.Context, beforeMs int64) (int, error)
	Ping(ctx context.Context) error
}

// Validate checks the fields every backend relies on.
func Validate(rec models.PresenceRecord) error {
	switch {
	case rec.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case !rec.Role.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRecord, rec.Role)
	case !rec.Location.Valid():
		return fmt.Errorf("%w: coordinate out of range", ErrInvalidRecord)
	}
	return nil
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.PresenceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.PresenceRecord)}
}

func (m *MemoryStore) Upsert(_ context.Context, rec models.PresenceRecord) error {
	if err := Validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) ListSince(_ context.Context, sinceMs int64) ([]models.PresenceRecord, error) {
	m.mu.RLock()
	out := make([]models.PresenceRecord, 0, len(m.records))
	for _, r := range m.records {
		if r.LastSeen > sinceMs {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) DeleteStale(_ context.Context, beforeMs int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.LastSeen <= beforeMs {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Get(id string) (models.PresenceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

// sortRecords gives every backend the same deterministic listing order.
func sortRecords(rs []models.PresenceRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt != rs[j].CreatedAt {
			return rs[i].CreatedAt < rs[j].CreatedAt
		}
		return rs[i].ID < rs[j].ID
	})
}
