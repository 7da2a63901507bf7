// Package simulate drives a cab along a straight path, reporting each step as
// a position update. It stands in for a real driver client in demos and tests.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
)

const (
	// ArrivalThresholdKm is how close a cab must get to its target to count as arrived.
	ArrivalThresholdKm = 0.5
	DefaultSteps       = 100
	DefaultInterval    = time.Second
)

// Reporter accepts position reports. *ledger.Service and HTTPReporter satisfy it.
type Reporter interface {
	UpdatePosition(ctx context.Context, cabID string, p models.Position) (models.Cab, error)
}

type Config struct {
	Steps     int
	Interval  time.Duration
	ArrivalKm float64
}

type Route struct {
	CabID string
	From  models.Position
	To    models.Position
}

type Result struct {
	Reports int
	Last    models.Position
	Arrived bool
}

type Simulator struct {
	reporter Reporter
	cfg      Config
	logger   *slog.Logger
}

func New(reporter Reporter, cfg Config, logger *slog.Logger) *Simulator {
	if cfg.Steps <= 0 {
		cfg.Steps = DefaultSteps
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ArrivalKm <= 0 {
		cfg.ArrivalKm = ArrivalThresholdKm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{reporter: reporter, cfg: cfg, logger: logger}
}

// Path returns steps points evenly spaced from just after from up to and including to.
func Path(from, to models.Position, steps int) []models.Position {
	if steps <= 0 {
		return nil
	}
	out := make([]models.Position, steps)
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		out[i-1] = models.Position{
			Lat: from.Lat + (to.Lat-from.Lat)*f,
			Lng: from.Lng + (to.Lng-from.Lng)*f,
		}
	}
	return out
}

// Run walks the route one step per interval until the cab is within the
// arrival threshold of its target. A reporter error stops the walk.
func (s *Simulator) Run(ctx context.Context, r Route) (Result, error) {
	if !r.From.Valid() || !r.To.Valid() {
		return Result{}, fmt.Errorf("simulate %s: invalid route %s -> %s", r.CabID, r.From, r.To)
	}
	res := Result{Last: r.From}
	if geo.Haversine(r.From, r.To) < s.cfg.ArrivalKm {
		res.Arrived = true
		return res, nil
	}
	pace := rate.NewLimiter(rate.Every(s.cfg.Interval), 1)
	for _, p := range Path(r.From, r.To, s.cfg.Steps) {
		if err := pace.Wait(ctx); err != nil {
			return res, fmt.Errorf("simulate %s: %w", r.CabID, err)
		}
		if _, err := s.reporter.UpdatePosition(ctx, r.CabID, p); err != nil {
			return res, fmt.Errorf("simulate %s: report step %d: %w", r.CabID, res.Reports+1, err)
		}
		res.Reports++
		res.Last = p
		remaining := geo.Haversine(p, r.To)
		s.logger.Debug("cab moved", "cab_id", r.CabID, "position", p.String(), "remaining_km", remaining)
		if remaining < s.cfg.ArrivalKm {
			res.Arrived = true
			s.logger.Info("cab arrived", "cab_id", r.CabID, "reports", res.Reports)
			return res, nil
		}
	}
	return res, nil
}
