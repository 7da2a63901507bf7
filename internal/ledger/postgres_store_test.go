package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
)

func newPostgresService(t *testing.T) *Service {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set; skipping integration test")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewService(NewPostgresStore(db), geo.NewIndex(), nil, nil, Config{})
}

func TestPostgresReserveIsAtomic(t *testing.T) {
	s := newPostgresService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cab := registerCab(t, s, models.Position{Lat: 0.001})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(ctx, ReserveCommand{CabID: cab.ID, RiderID: "pg-rider", Destination: dest()})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrCabUnavailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestPostgresTripLifecycle(t *testing.T) {
	s := newPostgresService(t)
	ctx := context.Background()
	cab := registerCab(t, s, models.Position{})

	trip, err := s.Reserve(ctx, ReserveCommand{CabID: cab.ID, RiderID: "pg-rider-2", Destination: dest()})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := s.UpdatePosition(ctx, cab.ID, models.Position{Lat: 0.01}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := s.GetTrip(ctx, trip.ID); got.Status != models.TripInProgress {
		t.Fatalf("expected in progress, got %s", got.Status)
	}
	if _, err := s.Cancel(ctx, trip.ID); !errors.Is(err, ErrTripNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}
	if _, err := s.EndTrip(ctx, trip.ID, nil); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := s.EndTrip(ctx, trip.ID, nil); !errors.Is(err, ErrTripAlreadyTerminal) {
		t.Fatalf("expected already terminal, got %v", err)
	}
	got, _ := s.GetCab(ctx, cab.ID)
	if got.Availability != models.Available || got.Position != *dest() {
		t.Fatalf("cab not released at destination: %+v", got)
	}
}
