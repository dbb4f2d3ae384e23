package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ride-presence/internal/models"
)

// Geo is the nearby index consulted by the table service.
type Geo interface {
	Upsert(ctx context.Context, rec models.PresenceRecord) error
	Remove(ctx context.Context, id string) error
	// Nearby returns up to limit records closest to c, skipping any last seen at or
	// before sinceMs. A non-positive sinceMs disables the cutoff.
	Nearby(ctx context.Context, c models.Coord, sinceMs int64, limit int) ([]models.PresenceRecord, error)
	// Prune drops records last seen at or before beforeMs.
	Prune(ctx context.Context, beforeMs int64) (int, error)
}

type Index struct {
	mu      sync.RWMutex
	records map[string]models.PresenceRecord
}

func NewIndex() *Index {
	return &Index{records: make(map[string]models.PresenceRecord)}
}

func (g *Index) Upsert(_ context.Context, rec models.PresenceRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[rec.ID] = rec
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, id)
	return nil
}

// naive scan; fine for the handful of live sessions a city sees
func (g *Index) Nearby(_ context.Context, c models.Coord, sinceMs int64, limit int) ([]models.PresenceRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		r    models.PresenceRecord
		dist float64
	}
	arr := make([]pair, 0, len(g.records))
	for _, r := range g.records {
		if sinceMs > 0 && r.LastSeen <= sinceMs {
			continue
		}
		arr = append(arr, pair{r, DistanceKm(c, r.Location)})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) || n <= 0 {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.PresenceRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].r)
	}
	return out, nil
}

func (g *Index) Prune(_ context.Context, beforeMs int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, r := range g.records {
		if r.LastSeen <= beforeMs {
			delete(g.records, id)
			n++
		}
	}
	return n, nil
}

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between a and b in kilometres.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
