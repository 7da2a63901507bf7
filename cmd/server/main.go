package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cab-dispatch/internal/auth"
	"github.com/example/cab-dispatch/internal/config"
	"github.com/example/cab-dispatch/internal/feed"
	"github.com/example/cab-dispatch/internal/geo"
	httpapi "github.com/example/cab-dispatch/internal/http"
	"github.com/example/cab-dispatch/internal/ledger"
	"github.com/example/cab-dispatch/internal/locality"
	"github.com/example/cab-dispatch/internal/logging"
	"github.com/example/cab-dispatch/internal/matcher"
	"github.com/example/cab-dispatch/internal/supervisor"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("cab-dispatch exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		g     geo.Geo = geo.NewIndex()
		ready []httpapi.ReadinessCheck
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, logger)
		g = rg
		ready = append(ready, httpapi.ReadinessCheck{Name: "redis", Check: rg.Ping})
		logger.Info("geo index backed by redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var (
		cabs  ledger.Store   = ledger.NewMemoryStore()
		users auth.UserStore = auth.NewMemoryStore()
	)
	if cfg.PGDSN != "" {
		openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
		db, err := ledger.OpenPostgres(openCtx, cfg.PGDSN)
		openCancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := runMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		cabs = ledger.NewPostgresStore(db)
		users = auth.NewPostgresStore(db)
		ready = append(ready, httpapi.ReadinessCheck{Name: "postgres", Check: db.PingContext})
		logger.Info("ledger backed by postgres")
	} else {
		logger.Warn("PG_DSN not set; cabs, trips and users are kept in memory")
	}

	var resolver locality.Resolver
	if cfg.GoogleMapsAPIKey != "" {
		gr, err := locality.NewGoogleResolver(cfg.GoogleMapsAPIKey)
		if err != nil {
			return fmt.Errorf("geocoder: %w", err)
		}
		resolver = locality.NewCache(locality.NewGuarded(gr, cfg.GeocodeTimeout, logger), cfg.GeocodeCacheTTL)
	} else {
		logger.Warn("GOOGLE_MAPS_API_KEY not set; matching is radius-only")
	}

	hub := feed.NewHub()
	led := ledger.NewService(cabs, g, hub, logger, ledger.Config{DepartureThresholdKm: cfg.DepartureThresholdKm})
	n, err := led.SyncIndex(ctx)
	if err != nil {
		return fmt.Errorf("sync geo index: %w", err)
	}
	logger.Info("geo index loaded", "cabs", n)

	tokens, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Ledger: led,
		Matcher: &matcher.Service{
			Geo:              g,
			Localities:       resolver,
			SpeedKmh:         cfg.SpeedKmh,
			LocalityRadiusKm: cfg.LocalityRadiusKm,
			Logger:           logger,
		},
		Auth:       auth.NewService(users, tokens, cfg.AdminEmail, cfg.BcryptCost),
		Localities: resolver,
		Hub:        hub,
		Logger:     logger,
		Ready:      ready,
		Options: httpapi.Options{
			CORSOrigins:       cfg.CORSOrigins,
			LocationRateLimit: cfg.LocationRateLimit,
			SearchRadiusKm:    cfg.SearchRadiusKm,
			FeedBuffer:        cfg.FeedBuffer,
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.ShutdownTimeout})
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.ShutdownTimeout))
	if len(cfg.KafkaBrokers) > 0 {
		sink := feed.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer sink.Close()
		tree.AddFeedService(feed.NewForwarder(hub, sink, cfg.FeedBuffer, logger))
		logger.Info("publishing positions to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.FeedWebhookURL != "" {
		tree.AddFeedService(feed.NewForwarder(hub, feed.NewWebhookSink(cfg.FeedWebhookURL, 5*time.Second), cfg.FeedBuffer, logger))
		logger.Info("publishing positions to webhook", "url", cfg.FeedWebhookURL)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("cab-dispatch listening", "addr", cfg.HTTPAddr)
	errCh := tree.ServeBackground(ctx)
	stopped := false
	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopped = true
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor tree error", "error", err)
		}
		cancel()
	}
	// hijacked websocket connections are not closed by http.Server.Shutdown
	api.Sessions().CloseAll()
	if !stopped {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("supervisor shutdown error", "error", err)
			}
		case <-time.After(cfg.ShutdownTimeout + time.Second):
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logger.Warn("service failed to stop", "service", svc.Name)
	}
	logger.Info("cab-dispatch stopped")
	return nil
}

// runMigrations applies every .sql file in dir in name order. The scripts are
// written to be re-runnable.
func runMigrations(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", filepath.Base(f), err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
