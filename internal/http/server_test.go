package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/auth"
	"github.com/example/cab-dispatch/internal/eta"
	"github.com/example/cab-dispatch/internal/feed"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/ledger"
	"github.com/example/cab-dispatch/internal/locality"
	"github.com/example/cab-dispatch/internal/matcher"
	"github.com/example/cab-dispatch/internal/models"
)

const adminEmail = "ops@example.com"

var pickup = models.Position{Lat: 12.9716, Lng: 77.5946}

type fixture struct {
	srv    *Server
	ledger *ledger.Service
	hub    *feed.Hub
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := geo.NewIndex()
	hub := feed.NewHub()
	led := ledger.NewService(ledger.NewMemoryStore(), idx, hub, logger, ledger.Config{})
	tokens, err := auth.NewJWTManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	d := Deps{
		Ledger:  led,
		Matcher: &matcher.Service{Geo: idx, SpeedKmh: eta.DefaultSpeedKmh, Logger: logger},
		Auth:    auth.NewService(auth.NewMemoryStore(), tokens, adminEmail, bcrypt.MinCost),
		Hub:     hub,
		Logger:  logger,
		Options: Options{SearchRadiusKm: 5, FeedBuffer: 16},
	}
	if mutate != nil {
		mutate(&d)
	}
	return &fixture{srv: NewServer(d), ledger: led, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("auth-token", token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) signUp(t *testing.T, email string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"email": email, "password": "correct-horse"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", email, rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	decodeBody(t, rec, &resp)
	return resp.Token
}

func (f *fixture) addCab(t *testing.T, lat, lng float64) models.Cab {
	t.Helper()
	c, err := f.ledger.RegisterCab(context.Background(), ledger.RegisterCabCommand{
		Name:     "cab",
		Position: models.Position{Lat: lat, Lng: lng},
	})
	if err != nil {
		t.Fatalf("register cab: %v", err)
	}
	return c
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func lnglat(p models.Position) []float64 { return []float64{p.Lng, p.Lat} }

func bookBody(dest *models.Position) map[string]any {
	body := map[string]any{"pickup": lnglat(pickup)}
	if dest != nil {
		body["destination"] = lnglat(*dest)
	}
	return body
}

var destination = models.Position{Lat: 12.93, Lng: 77.62}

func TestNearestRanksAvailableCabs(t *testing.T) {
	f := newFixture(t, nil)
	far := f.addCab(t, 12.99, 77.5946)
	near := f.addCab(t, 12.9816, 77.5946)

	rec := f.do(t, http.MethodPost, "/api/cabs/nearest", map[string]any{"pickup": lnglat(pickup)}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cands []models.Candidate
	decodeBody(t, rec, &cands)
	if len(cands) != 2 || cands[0].CabID != near.ID || cands[1].CabID != far.ID {
		t.Fatalf("unexpected ranking: %+v", cands)
	}
	if cands[0].ETAMinutes <= 0 {
		t.Fatalf("expected a positive eta, got %v", cands[0].ETAMinutes)
	}
}

func TestNearestErrors(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"no cabs", map[string]any{"pickup": lnglat(pickup)}, http.StatusNotFound},
		{"missing pickup", map[string]any{}, http.StatusBadRequest},
		{"latitude out of range", map[string]any{"pickup": []float64{10, 95}}, http.StatusBadRequest},
		{"short pair", map[string]any{"pickup": []float64{10}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, "/api/cabs/nearest", tc.body, ""); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestBookBestBooksNearestCab(t *testing.T) {
	f := newFixture(t, nil)
	near := f.addCab(t, 12.9816, 77.5946)
	token := f.signUp(t, "rider@example.com")

	if rec := f.do(t, http.MethodPost, "/api/cabs/book", bookBody(&destination), ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/cabs/book", bookBody(&destination), token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp bookResponse
	decodeBody(t, rec, &resp)
	if resp.TripID == "" || resp.Cab.ID != near.ID || resp.Cab.Availability != models.Booked {
		t.Fatalf("unexpected booking: %+v", resp)
	}
	if resp.Cab.ActiveTripID != resp.TripID {
		t.Fatalf("cab not linked to trip: %+v", resp.Cab)
	}

	// the only cab is taken now
	other := f.signUp(t, "other@example.com")
	if rec := f.do(t, http.MethodPost, "/api/cabs/book", bookBody(&destination), other); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no free cabs, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBookRequiresDestination(t *testing.T) {
	f := newFixture(t, nil)
	f.addCab(t, 12.9816, 77.5946)
	token := f.signUp(t, "rider@example.com")

	rec := f.do(t, http.MethodPost, "/api/cabs/book", bookBody(nil), token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	decodeBody(t, rec, &body)
	if !strings.Contains(body.Error, "destination") || body.Code != apperr.Validation.String() {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestBookSpecificCabConflict(t *testing.T) {
	f := newFixture(t, nil)
	cab := f.addCab(t, 12.9816, 77.5946)
	first := f.signUp(t, "a@example.com")
	second := f.signUp(t, "b@example.com")
	path := "/api/cabs/" + cab.ID + "/book"

	if rec := f.do(t, http.MethodPost, path, bookBody(&destination), first); rec.Code != http.StatusOK {
		t.Fatalf("first booking: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, path, bookBody(&destination), second); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/api/cabs/missing/book", bookBody(&destination), second); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLocationReports(t *testing.T) {
	f := newFixture(t, nil)
	cab := f.addCab(t, 12.9816, 77.5946)

	rec := f.do(t, http.MethodPost, "/api/cabs/location",
		map[string]any{"cabId": cab.ID, "position": []float64{77.60, 12.98}}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ev, ok := f.hub.Latest(cab.ID); !ok || ev.Position.Lng != 77.60 {
		t.Fatalf("position not published: %+v %v", ev, ok)
	}
	if rec := f.do(t, http.MethodPost, "/api/cabs/location",
		map[string]any{"cabId": "ghost", "position": []float64{77.60, 12.98}}, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/cabs/location",
		map[string]any{"cabId": cab.ID, "position": []float64{200, 12.98}}, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLocationRateLimited(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Options.LocationRateLimit = 2 })
	cab := f.addCab(t, 12.9816, 77.5946)
	body := map[string]any{"cabId": cab.ID, "position": []float64{77.60, 12.98}}
	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/api/cabs/location", body, ""); rec.Code != http.StatusOK {
			t.Fatalf("report %d: %d", i, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodPost, "/api/cabs/location", body, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func bookTrip(t *testing.T, f *fixture, cab models.Cab, token string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/cabs/"+cab.ID+"/book", bookBody(&destination), token)
	if rec.Code != http.StatusOK {
		t.Fatalf("book: %d %s", rec.Code, rec.Body.String())
	}
	var resp bookResponse
	decodeBody(t, rec, &resp)
	return resp.TripID
}

func TestCancelTrip(t *testing.T) {
	f := newFixture(t, nil)
	cab := f.addCab(t, 12.9816, 77.5946)
	rider := f.signUp(t, "rider@example.com")
	stranger := f.signUp(t, "stranger@example.com")
	tripID := bookTrip(t, f, cab, rider)

	if rec := f.do(t, http.MethodPost, "/api/trips/cancel", map[string]string{"tripId": tripID}, stranger); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another rider, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/trips/cancel", map[string]string{"tripId": tripID}, rider)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack ackResponse
	decodeBody(t, rec, &ack)
	if !ack.Ack || ack.Trip == nil || ack.Trip.Status != models.TripCancelled {
		t.Fatalf("unexpected cancel reply: %+v", ack)
	}
	got, _ := f.ledger.GetCab(context.Background(), cab.ID)
	if got.Availability != models.Available {
		t.Fatalf("cab not released: %+v", got)
	}
	if rec := f.do(t, http.MethodPost, "/api/trips/cancel", map[string]string{"tripId": "nope"}, rider); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelStartedTripIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	cab := f.addCab(t, 12.9816, 77.5946)
	rider := f.signUp(t, "rider@example.com")
	tripID := bookTrip(t, f, cab, rider)

	// far enough from the booking spot to start the trip
	if _, err := f.ledger.UpdatePosition(context.Background(), cab.ID, models.Position{Lat: 12.99, Lng: 77.5946}); err != nil {
		t.Fatalf("update position: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/api/trips/cancel", map[string]string{"tripId": tripID}, rider)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEndTrip(t *testing.T) {
	f := newFixture(t, nil)
	cab := f.addCab(t, 12.9816, 77.5946)
	rider := f.signUp(t, "rider@example.com")
	tripID := bookTrip(t, f, cab, rider)

	final := []float64{77.63, 12.94}
	body := map[string]any{"tripId": tripID, "finalPosition": final}
	if rec := f.do(t, http.MethodPost, "/api/trips/end", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rec.Code)
	}
	other := f.signUp(t, "other@example.com")
	if rec := f.do(t, http.MethodPost, "/api/trips/end", body, other); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another rider, got %d", rec.Code)
	}
	if got, _ := f.ledger.GetCab(context.Background(), cab.ID); got.Availability != models.Booked {
		t.Fatalf("rejected end must leave the cab booked: %+v", got)
	}
	if rec := f.do(t, http.MethodPost, "/api/trips/end", map[string]any{"tripId": "missing"}, rider); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown trip, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/trips/end", body, rider)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := f.ledger.GetCab(context.Background(), cab.ID)
	if got.Availability != models.Available || got.Position.Lng != 77.63 {
		t.Fatalf("cab not released at final position: %+v", got)
	}
	if rec := f.do(t, http.MethodPost, "/api/trips/end", map[string]any{"tripId": tripID}, rider); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a finished trip, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/trips/"+tripID, nil, rider)
	var trip models.Trip
	decodeBody(t, rec, &trip)
	if rec.Code != http.StatusOK || trip.Status != models.TripCompleted {
		t.Fatalf("unexpected trip: %d %+v", rec.Code, trip)
	}
}

func TestRegisterCabRequiresAdmin(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Localities = locality.ResolverFunc(func(context.Context, models.Position) (models.Locality, error) {
			return models.Locality{Town: "Bengaluru", PostalCode: "560001"}, nil
		})
	})
	rider := f.signUp(t, "rider@example.com")
	admin := f.signUp(t, adminEmail)
	body := map[string]any{"name": "KA-01", "position": lnglat(pickup)}

	if rec := f.do(t, http.MethodPost, "/api/cabs", body, rider); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/cabs", body, admin)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var cab models.Cab
	decodeBody(t, rec, &cab)
	if cab.Locality.Town != "Bengaluru" || cab.Availability != models.Available {
		t.Fatalf("unexpected cab: %+v", cab)
	}

	rec = f.do(t, http.MethodGet, "/api/cabs/available", nil, "")
	var cabs []models.Cab
	decodeBody(t, rec, &cabs)
	if len(cabs) != 1 || cabs[0].ID != cab.ID {
		t.Fatalf("unexpected available cabs: %+v", cabs)
	}
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t, nil)
	token := f.signUp(t, "Rider@Example.com")

	if rec := f.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"email": "rider@example.com", "password": "another-pass"}, ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate email, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "rider@example.com", "password": "wrong-pass"}, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"email": "short@example.com", "password": "x"}, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a short password, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	var u models.User
	decodeBody(t, rec, &u)
	if rec.Code != http.StatusOK || u.Email != "rider@example.com" || u.IsAdmin {
		t.Fatalf("unexpected me: %d %+v", rec.Code, u)
	}
}

func TestGeocode(t *testing.T) {
	upstreamDown := apperr.Wrap(apperr.UpstreamUnavailable, "geocode", errors.New("quota exceeded"))
	f := newFixture(t, func(d *Deps) {
		d.Localities = locality.ResolverFunc(func(_ context.Context, p models.Position) (models.Locality, error) {
			if p.Lat < 0 {
				return models.Locality{}, upstreamDown
			}
			return models.Locality{Town: "Bengaluru", PostalCode: "560001"}, nil
		})
	})
	rec := f.do(t, http.MethodGet, "/api/geocode?lat=12.97&lng=77.59", nil, "")
	var loc models.Locality
	decodeBody(t, rec, &loc)
	if rec.Code != http.StatusOK || loc.PostalCode != "560001" {
		t.Fatalf("unexpected geocode: %d %+v", rec.Code, loc)
	}
	if rec := f.do(t, http.MethodGet, "/api/geocode?lat=abc&lng=77.59", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/geocode?lat=91&lng=77.59", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for latitude 91, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/geocode?lat=-12&lng=77.59", nil, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestReadyReportsFailingChecks(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Ready = []ReadinessCheck{
			{Name: "postgres", Check: func(context.Context) error { return nil }},
			{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
		}
	})
	rec := f.do(t, http.MethodGet, "/ready", nil, "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis") {
		t.Fatalf("unexpected ready: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := f.do(t, http.MethodGet, "/boom", nil, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestFeedWebsocketStreamsPositions(t *testing.T) {
	f := newFixture(t, nil)
	cab := f.addCab(t, 12.9816, 77.5946)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/feed?cabId=" + cab.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := f.ledger.UpdatePosition(context.Background(), cab.ID, models.Position{Lat: 12.982, Lng: 77.595}); err != nil {
		t.Fatalf("update position: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev models.PositionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.CabID != cab.ID || ev.Position.Lat != 12.982 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCabWebsocketRejectsUnknownCab(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/cabs/ghost", nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
}
