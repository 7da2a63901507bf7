package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// Entry is the indexed view of a cab: where it is and whether it can be booked.
type Entry struct {
	ID           string
	Position     models.Position
	Availability models.Availability
	Locality     models.Locality
	// Version is the cab's store version. An upsert carrying an older version
	// than the indexed one is dropped, so late writers cannot roll state back.
	Version      int64
	Updated      time.Time
}

// Hit is a query result with its great-circle distance from the query point.
type Hit struct {
	Entry
	DistanceKm float64
}

// Geo is the minimal interface required by the matcher and the ledger.
type Geo interface {
	Upsert(ctx context.Context, e Entry)
	QueryNear(ctx context.Context, p models.Position, radiusKm float64, filter models.AvailabilityFilter) ([]Hit, error)
}

type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewIndex() *Index {
	return &Index{entries: make(map[string]Entry)}
}

func (g *Index) Upsert(_ context.Context, e Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.entries[e.ID]; ok && e.Version < cur.Version {
		return
	}
	e.Updated = time.Now()
	g.entries[e.ID] = e
}

// naive scan; fine for a city-sized fleet
func (g *Index) QueryNear(_ context.Context, p models.Position, radiusKm float64, filter models.AvailabilityFilter) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hit, 0)
	for _, e := range g.entries {
		if !filter.Matches(e.Availability) {
			continue
		}
		d := Haversine(p, e.Position)
		if d > radiusKm {
			continue
		}
		out = append(out, Hit{Entry: e, DistanceKm: d})
	}
	SortHits(out)
	return out, nil
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// SortHits orders by ascending distance, then by id so equal distances are stable.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].ID < hits[j].ID
	})
}

// Haversine distance in kilometres
func Haversine(a, b models.Position) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push near-antipodal points past 1
	h = math.Min(h, 1)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}
