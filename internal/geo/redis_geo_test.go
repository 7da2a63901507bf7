package geo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cab-dispatch/internal/models"
)

func TestRedisGeoMovesBetweenSets(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping integration test")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	defer rc.Close()

	ctx := context.Background()
	prefix := fmt.Sprintf("test_cabs_%d", time.Now().UnixNano())
	g := NewRedisGeo(rc, prefix, nil)
	defer rc.Del(ctx, prefix+":available", prefix+":booked", prefix+":meta:c1", prefix+":meta:c2")

	g.Upsert(ctx, Entry{ID: "c1", Position: models.Position{Lat: 0.01, Lng: 0.01}, Availability: models.Available, Locality: models.Locality{Town: "Pune"}, Version: 1})
	g.Upsert(ctx, Entry{ID: "c2", Position: models.Position{Lat: 0.02, Lng: 0.02}, Availability: models.Available, Version: 1})

	hits, err := g.QueryNear(ctx, models.Position{}, 5, models.FilterAvailable)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "c1" || hits[0].Locality.Town != "Pune" {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	g.Upsert(ctx, Entry{ID: "c1", Position: models.Position{Lat: 0.01, Lng: 0.01}, Availability: models.Booked, Version: 3})
	// a report that lost the race with the booking arrives late
	g.Upsert(ctx, Entry{ID: "c1", Position: models.Position{Lat: 0.01, Lng: 0.01}, Availability: models.Available, Version: 2})
	hits, _ = g.QueryNear(ctx, models.Position{}, 5, models.FilterAvailable)
	if len(hits) != 1 || hits[0].ID != "c2" {
		t.Fatalf("expected only c2 available, got %+v", hits)
	}
	if n, _ := g.Count(ctx, models.Booked); n != 1 {
		t.Fatalf("expected 1 booked cab, got %d", n)
	}
}
