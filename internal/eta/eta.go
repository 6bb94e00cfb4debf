package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/farm-market/internal/geo"
	"github.com/example/farm-market/internal/models"
)

const DefaultSpeedMps = 8.0 // ~28.8 km/h on rural roads

// Client estimates travel time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the naive straight-line estimate: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceMeters(from, to) / speedMps
}

// Estimator prefers a routing client and falls back to the naive estimate
// when the client is absent or fails.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
}

func NewEstimator(client Client, cache *Cache, speedMps float64) *Estimator {
	return &Estimator{client: client, cache: cache, speedMps: speedMps}
}

// Minutes returns the whole minutes needed to drive from -> to, rounded up.
func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) int {
	secs := e.seconds(ctx, from, to)
	m := int(secs / 60)
	if float64(m*60) < secs {
		m++
	}
	return m
}

func (e *Estimator) seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v
		}
	}
	v := EstimateSeconds(from, to, e.speedMps)
	if e.client != nil {
		if routed, err := e.client.EstimateSeconds(ctx, from, to); err == nil {
			v = routed
		}
	}
	if e.cache != nil {
		e.cache.Set(from, to, v)
	}
	return v
}
