package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cab-dispatch/internal/auth"
	"github.com/example/cab-dispatch/internal/feed"
	"github.com/example/cab-dispatch/internal/ledger"
	"github.com/example/cab-dispatch/internal/locality"
	"github.com/example/cab-dispatch/internal/matcher"
)

// ReadinessCheck reports whether a backing service is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	CORSOrigins []string
	// LocationRateLimit is position reports per minute per client IP.
	LocationRateLimit int
	SearchRadiusKm    float64
	FeedBuffer        int
}

type Deps struct {
	Ledger  *ledger.Service
	Matcher *matcher.Service
	Auth    *auth.Service
	// Localities backs the geocode route and cab registration; nil disables both lookups.
	Localities locality.Resolver
	Hub        *feed.Hub
	Sessions   *feed.WSRegistry
	Logger     *slog.Logger
	Ready      []ReadinessCheck
	Options    Options
}

type Server struct {
	ledger     *ledger.Service
	matcher    *matcher.Service
	auth       *auth.Service
	localities locality.Resolver
	hub        *feed.Hub
	sessions   *feed.WSRegistry
	logger     *slog.Logger
	ready      []ReadinessCheck
	opts       Options
	upgrader   websocket.Upgrader
	mux        *mux.Router
	handler    http.Handler
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sessions == nil {
		d.Sessions = feed.NewWSRegistry()
	}
	if len(d.Options.CORSOrigins) == 0 {
		d.Options.CORSOrigins = []string{"*"}
	}
	if d.Options.LocationRateLimit <= 0 {
		d.Options.LocationRateLimit = 120
	}
	s := &Server{
		ledger:     d.Ledger,
		matcher:    d.Matcher,
		auth:       d.Auth,
		localities: d.Localities,
		hub:        d.Hub,
		sessions:   d.Sessions,
		logger:     d.Logger,
		ready:      d.Ready,
		opts:       d.Options,
		mux:        mux.NewRouter(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "auth-token", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})(s.mux)
	return s
}

func (s *Server) routes() {
	limitReports := httprate.LimitByIP(s.opts.LocationRateLimit, time.Minute)

	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/cabs/nearest", s.handleNearest).Methods(http.MethodPost)
	api.HandleFunc("/cabs/book", s.requireAuth(s.handleBookBest)).Methods(http.MethodPost)
	api.Handle("/cabs/location", limitReports(http.HandlerFunc(s.handleLocation))).Methods(http.MethodPost)
	api.HandleFunc("/cabs/available", s.handleAvailableCabs).Methods(http.MethodGet)
	api.HandleFunc("/cabs", s.requireAdmin(s.handleRegisterCab)).Methods(http.MethodPost)
	api.HandleFunc("/cabs/{cabId}", s.handleGetCab).Methods(http.MethodGet)
	api.HandleFunc("/cabs/{cabId}/book", s.requireAuth(s.handleBookCab)).Methods(http.MethodPost)

	api.HandleFunc("/trips/cancel", s.requireAuth(s.handleCancel)).Methods(http.MethodPost)
	api.HandleFunc("/trips/end", s.requireAuth(s.handleEndTrip)).Methods(http.MethodPost)
	api.HandleFunc("/trips/active", s.requireAuth(s.handleActiveTrip)).Methods(http.MethodGet)
	api.HandleFunc("/trips/{tripId}", s.requireAuth(s.handleGetTrip)).Methods(http.MethodGet)

	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.requireAuth(s.handleMe)).Methods(http.MethodGet)

	api.HandleFunc("/geocode", s.handleGeocode).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/feed", s.handleFeedWS)
	s.mux.Handle("/ws/cabs/{cabId}", limitReports(http.HandlerFunc(s.handleCabWS)))

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// Sessions exposes open websocket sessions so they can be closed on shutdown.
func (s *Server) Sessions() *feed.WSRegistry { return s.sessions }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for _, c := range s.ready {
		if err := c.Check(ctx); err != nil {
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
