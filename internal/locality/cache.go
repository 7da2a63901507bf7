package locality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/cab-dispatch/internal/models"
)

// Cache is a small in-memory TTL cache in front of a Resolver. Points are
// bucketed to three decimals (roughly 100 m) so a cab idling at a rank does
// not cost a geocode per query. Concurrent misses for one bucket share a call.
type Cache struct {
	next  Resolver
	ttl   time.Duration
	group singleflight.Group

	mu    sync.RWMutex
	store map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	v  models.Locality
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(next Resolver, ttl time.Duration) *Cache {
	return &Cache{next: next, ttl: ttl, store: make(map[string]cacheEntry), now: time.Now}
}

func keyFor(p models.Position) string {
	return fmt.Sprintf("%.3f,%.3f", p.Lat, p.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(p models.Position) (models.Locality, bool) {
	k := keyFor(p)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Locality{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Locality{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(p models.Position, v models.Locality) {
	c.mu.Lock()
	c.store[keyFor(p)] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Resolve serves from cache, otherwise asks next. Failures are not cached.
// Concurrent misses for one cell share a lookup that outlives any single
// caller's cancellation; next is expected to bound it.
func (c *Cache) Resolve(ctx context.Context, p models.Position) (models.Locality, error) {
	if v, ok := c.Get(p); ok {
		return v, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(keyFor(p), func() (interface{}, error) {
		loc, err := c.next.Resolve(shared, p)
		if err != nil {
			return models.Locality{}, err
		}
		c.Set(p, loc)
		return loc, nil
	})
	select {
	case <-ctx.Done():
		return models.Locality{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Locality{}, res.Err
		}
		return res.Val.(models.Locality), nil
	}
}
