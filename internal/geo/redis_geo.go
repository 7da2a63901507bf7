package geo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cab-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Each availability has its
// own sorted set so an availability-filtered query is a single GEOSEARCH.
type RedisGeo struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisGeo(client *redis.Client, prefix string, logger *slog.Logger) *RedisGeo {
	if prefix == "" {
		prefix = "cabs_geo"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGeo{client: client, prefix: prefix, logger: logger}
}

func (r *RedisGeo) setKey(a models.Availability) string { return r.prefix + ":" + string(a) }

func (r *RedisGeo) metaKey(id string) string { return r.prefix + ":meta:" + id }

// upsertScript applies an entry unless the meta hash already holds a newer
// version. KEYS: meta, target set, other set.
var upsertScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if tonumber(ARGV[1]) < cur then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[4], ARGV[2])
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'availability', ARGV[5],
  'town', ARGV[6], 'postal_code', ARGV[7], 'updated', ARGV[8])
return 1
`)

// Upsert moves the cab into the set for its availability and refreshes its
// metadata hash in one script, skipping entries older than the indexed one.
func (r *RedisGeo) Upsert(ctx context.Context, e Entry) {
	other := models.Booked
	if e.Availability == models.Booked {
		other = models.Available
	}
	applied, err := upsertScript.Run(ctx, r.client,
		[]string{r.metaKey(e.ID), r.setKey(e.Availability), r.setKey(other)},
		e.Version, e.ID, e.Position.Lng, e.Position.Lat, string(e.Availability),
		e.Locality.Town, e.Locality.PostalCode, time.Now().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		r.logger.Warn("redis geo upsert failed", "cab_id", e.ID, "error", err)
		return
	}
	if applied == 0 {
		r.logger.Debug("stale geo upsert skipped", "cab_id", e.ID, "version", e.Version)
	}
}

func (r *RedisGeo) QueryNear(ctx context.Context, p models.Position, radiusKm float64, filter models.AvailabilityFilter) ([]Hit, error) {
	var sets []models.Availability
	switch filter {
	case models.FilterAvailable:
		sets = []models.Availability{models.Available}
	case models.FilterBooked:
		sets = []models.Availability{models.Booked}
	default:
		sets = []models.Availability{models.Available, models.Booked}
	}
	out := make([]Hit, 0)
	for _, a := range sets {
		locs, err := r.client.GeoSearchLocation(ctx, r.setKey(a), &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  p.Lng,
				Latitude:   p.Lat,
				Radius:     radiusKm,
				RadiusUnit: "km",
				Sort:       "ASC",
			},
			WithCoord: true,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("geosearch %s: %w", r.setKey(a), err)
		}
		for _, l := range locs {
			pos := models.Position{Lat: l.Latitude, Lng: l.Longitude}
			// redis uses a slightly different earth radius; keep one distance definition
			d := Haversine(p, pos)
			if d > radiusKm {
				continue
			}
			e := Entry{ID: l.Name, Position: pos, Availability: a}
			r.loadMeta(ctx, &e)
			out = append(out, Hit{Entry: e, DistanceKm: d})
		}
	}
	SortHits(out)
	return out, nil
}

func (r *RedisGeo) loadMeta(ctx context.Context, e *Entry) {
	m, err := r.client.HGetAll(ctx, r.metaKey(e.ID)).Result()
	if err != nil {
		return
	}
	e.Locality = models.Locality{Town: m["town"], PostalCode: m["postal_code"]}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Updated = t
		}
	}
}

// Count returns the number of cabs currently indexed with the given availability.
func (r *RedisGeo) Count(ctx context.Context, a models.Availability) (int64, error) {
	n, err := r.client.ZCard(ctx, r.setKey(a)).Result()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
