package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/eta"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/locality"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
)

const (
	DefaultRadiusKm         = 5.0
	DefaultLocalityRadiusKm = 50.0
)

var ErrNoCabs = apperr.New(apperr.NotFound, "no cabs available near pickup")

// Service ranks available cabs for a pickup. A cab qualifies when it is inside
// the search radius or shares the pickup's town or postal code.
type Service struct {
	Geo geo.Geo
	// Localities is optional; without it the search is radius-only.
	Localities locality.Resolver
	SpeedKmh   float64
	// LocalityRadiusKm caps the search for cabs matched by town or postal
	// code; a cab sharing the pickup's locality beyond it is not considered.
	LocalityRadiusKm float64
	Logger           *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// FindCandidates returns eligible cabs ordered by distance, then id. A radius
// of zero or less means DefaultRadiusKm. No cabs is an empty slice, not an error.
func (s *Service) FindCandidates(ctx context.Context, pickup models.Position, radiusKm float64) ([]models.Candidate, error) {
	if !pickup.Valid() {
		return nil, apperr.Validationf("pickup %s is not a valid coordinate", pickup)
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	pickupLoc := s.resolve(ctx, pickup)

	searchKm := radiusKm
	if !pickupLoc.IsZero() {
		searchKm = s.LocalityRadiusKm
		if searchKm <= 0 {
			searchKm = DefaultLocalityRadiusKm
		}
		if searchKm < radiusKm {
			searchKm = radiusKm
		}
	}

	hits, err := s.Geo.QueryNear(ctx, pickup, searchKm, models.FilterAvailable)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query geo index", err)
	}

	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		within := h.DistanceKm <= radiusKm
		match := !pickupLoc.IsZero() && pickupLoc.SharesWith(h.Locality)
		if !within && !match && !pickupLoc.IsZero() && h.Locality.IsZero() {
			// cab registered without a locality; only worth a lookup when it decides eligibility
			match = pickupLoc.SharesWith(s.resolve(ctx, h.Position))
		}
		if !within && !match {
			continue
		}
		out = append(out, models.Candidate{
			CabID:         h.ID,
			Position:      h.Position,
			DistanceKm:    h.DistanceKm,
			ETAMinutes:    eta.Minutes(h.DistanceKm, s.SpeedKmh),
			LocalityMatch: match,
		})
	}
	observability.CandidatesReturned.Observe(float64(len(out)))
	return out, nil
}

// Best returns the nearest eligible cab or ErrNoCabs.
func (s *Service) Best(ctx context.Context, pickup models.Position, radiusKm float64) (models.Candidate, error) {
	cands, err := s.FindCandidates(ctx, pickup, radiusKm)
	if err != nil {
		return models.Candidate{}, err
	}
	if len(cands) == 0 {
		return models.Candidate{}, ErrNoCabs
	}
	return cands[0], nil
}

// resolve never fails; an unknown locality is the zero value.
func (s *Service) resolve(ctx context.Context, p models.Position) models.Locality {
	if s.Localities == nil {
		return models.Locality{}
	}
	loc, err := s.Localities.Resolve(ctx, p)
	if err != nil {
		s.logger().Debug("locality unresolved, falling back to radius", "point", p.String(), "error", err)
		return models.Locality{}
	}
	return loc
}
