package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/farm-market/internal/models"
)

const earthRadiusMeters = 6371000.0

// Index tracks the pickup points of open delivery requests. Hits are
// candidates only; callers re-check status and exact distance.
type Index interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
	Remove(ctx context.Context, id string) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error)
}

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Within reports whether point lies no further than radiusKm from origin.
func Within(origin, point models.Coord, radiusKm float64) bool {
	return DistanceMeters(origin, point) <= radiusKm*1000
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, id string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = c
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

// naive scan, ordered nearest first
func (g *MemoryIndex) Nearby(_ context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.points))
	for id, c := range g.points {
		d := DistanceMeters(center, c)
		if d <= radiusKm*1000 {
			arr = append(arr, pair{id, d})
		}
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].id < arr[j].id
		}
		return arr[i].dist < arr[j].dist
	})
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out, nil
}
