package locality

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
)

type fakeGeocoder struct {
	results []maps.GeocodingResult
	err     error
	calls   int
}

func (f *fakeGeocoder) ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	f.calls++
	return f.results, f.err
}

func TestGoogleResolverReadsComponents(t *testing.T) {
	fg := &fakeGeocoder{results: []maps.GeocodingResult{{
		AddressComponents: []maps.AddressComponent{
			{LongName: "411001", Types: []string{"postal_code"}},
			{LongName: "Pune", Types: []string{"locality", "political"}},
		},
	}}}
	g := &GoogleResolver{client: fg}
	loc, err := g.Resolve(context.Background(), models.Position{Lat: 18.52, Lng: 73.85})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Town != "Pune" || loc.PostalCode != "411001" {
		t.Fatalf("unexpected locality: %+v", loc)
	}
}

func TestGoogleResolverFallsBackToPostalTown(t *testing.T) {
	fg := &fakeGeocoder{results: []maps.GeocodingResult{{
		AddressComponents: []maps.AddressComponent{{LongName: "Bath", Types: []string{"postal_town"}}},
	}}}
	loc, err := (&GoogleResolver{client: fg}).Resolve(context.Background(), models.Position{})
	if err != nil || loc.Town != "Bath" {
		t.Fatalf("expected Bath, got %+v err=%v", loc, err)
	}
}

func TestGoogleResolverErrors(t *testing.T) {
	cases := []struct {
		name string
		fg   *fakeGeocoder
		kind apperr.Kind
	}{
		{"upstream", &fakeGeocoder{err: errors.New("boom")}, apperr.UpstreamUnavailable},
		{"empty", &fakeGeocoder{}, apperr.NotFound},
		{"no components", &fakeGeocoder{results: []maps.GeocodingResult{{}}}, apperr.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := (&GoogleResolver{client: tc.fg}).Resolve(context.Background(), models.Position{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.KindOf(err); got != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, got)
			}
		})
	}
}

func TestCacheServesRepeatLookups(t *testing.T) {
	var calls int32
	next := ResolverFunc(func(ctx context.Context, p models.Position) (models.Locality, error) {
		atomic.AddInt32(&calls, 1)
		return models.Locality{Town: "Pune"}, nil
	})
	c := NewCache(next, time.Minute)
	ctx := context.Background()
	// both points fall in the same bucket
	for _, p := range []models.Position{{Lat: 18.52001, Lng: 73.85001}, {Lat: 18.52002, Lng: 73.85002}} {
		loc, err := c.Resolve(ctx, p)
		if err != nil || loc.Town != "Pune" {
			t.Fatalf("unexpected result %+v err=%v", loc, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls)
	}
}

func TestCacheExpiresAndSkipsFailures(t *testing.T) {
	var calls int32
	fail := true
	next := ResolverFunc(func(ctx context.Context, p models.Position) (models.Locality, error) {
		atomic.AddInt32(&calls, 1)
		if fail {
			return models.Locality{}, errors.New("down")
		}
		return models.Locality{PostalCode: "411001"}, nil
	})
	c := NewCache(next, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	p := models.Position{Lat: 1, Lng: 1}

	if _, err := c.Resolve(ctx, p); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	if _, err := c.Resolve(ctx, p); err != nil {
		t.Fatalf("failure must not be cached: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(p); ok {
		t.Fatal("entry should have expired")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	next := ResolverFunc(func(ctx context.Context, p models.Position) (models.Locality, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return models.Locality{Town: "Pune"}, nil
	})
	c := NewCache(next, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Resolve(context.Background(), models.Position{Lat: 2, Lng: 2})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := atomic.LoadInt32(&calls); n < 1 || n > 8 {
		t.Fatalf("unexpected call count %d", n)
	}
	if _, ok := c.Get(models.Position{Lat: 2, Lng: 2}); !ok {
		t.Fatal("expected value to be cached")
	}
}

func TestCacheSharedLookupSurvivesCallerCancel(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	release := make(chan struct{})
	next := ResolverFunc(func(ctx context.Context, p models.Position) (models.Locality, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return models.Locality{Town: "Pune"}, nil
		case <-ctx.Done():
			return models.Locality{}, ctx.Err()
		}
	})
	c := NewCache(next, time.Minute)
	p := models.Position{Lat: 3, Lng: 3}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Resolve(firstCtx, p)
		firstErr <- err
	}()
	<-started

	second := make(chan models.Locality, 1)
	go func() {
		loc, err := c.Resolve(context.Background(), p)
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		second <- loc
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected first caller to see its cancel, got %v", err)
	}
	close(release)
	if loc := <-second; loc.Town != "Pune" {
		t.Fatalf("expected Pune for the waiting caller, got %+v", loc)
	}
}

func TestGuardedTimesOut(t *testing.T) {
	slow := ResolverFunc(func(ctx context.Context, p models.Position) (models.Locality, error) {
		<-ctx.Done()
		return models.Locality{}, ctx.Err()
	})
	g := NewGuarded(slow, 20*time.Millisecond, nil)
	start := time.Now()
	_, err := g.Resolve(context.Background(), models.Position{})
	if apperr.KindOf(err) != apperr.UpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout was not applied")
	}
}

func TestGuardedOpensAfterRepeatedFailures(t *testing.T) {
	var calls int32
	failing := ResolverFunc(func(ctx context.Context, p models.Position) (models.Locality, error) {
		atomic.AddInt32(&calls, 1)
		return models.Locality{}, errors.New("down")
	})
	g := NewGuarded(failing, time.Second, nil)
	for i := 0; i < 10; i++ {
		_, err := g.Resolve(context.Background(), models.Position{})
		if apperr.KindOf(err) != apperr.UpstreamUnavailable {
			t.Fatalf("call %d: expected upstream unavailable, got %v", i, err)
		}
	}
	if calls != 5 {
		t.Fatalf("expected breaker to stop calls after 5 failures, got %d", calls)
	}
}

func TestGuardedNoResultDoesNotTrip(t *testing.T) {
	empty := ResolverFunc(func(ctx context.Context, p models.Position) (models.Locality, error) {
		return models.Locality{}, ErrNoResult
	})
	g := NewGuarded(empty, time.Second, nil)
	for i := 0; i < 10; i++ {
		if _, err := g.Resolve(context.Background(), models.Position{}); !errors.Is(err, ErrNoResult) {
			t.Fatalf("expected ErrNoResult, got %v", err)
		}
	}
}
