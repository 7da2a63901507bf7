// Package locality resolves the town and postal code of a point through an
// external geocoder. Everything here is best effort: callers treat any error
// as "locality unknown" and carry on.
package locality

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
)

// ErrNoResult means the geocoder answered but had nothing usable for the point.
var ErrNoResult = apperr.New(apperr.NotFound, "no locality for point")

type Resolver interface {
	Resolve(ctx context.Context, p models.Position) (models.Locality, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, p models.Position) (models.Locality, error)

func (f ResolverFunc) Resolve(ctx context.Context, p models.Position) (models.Locality, error) {
	return f(ctx, p)
}

type reverseGeocoder interface {
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// GoogleResolver reverse-geocodes with the Google Geocoding API.
type GoogleResolver struct {
	client reverseGeocoder
}

func NewGoogleResolver(apiKey string) (*GoogleResolver, error) {
	if apiKey == "" {
		return nil, errors.New("google maps api key is empty")
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleResolver{client: client}, nil
}

func (g *GoogleResolver) Resolve(ctx context.Context, p models.Position) (models.Locality, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
	})
	if err != nil {
		return models.Locality{}, apperr.Wrap(apperr.UpstreamUnavailable, "geocode", err)
	}
	if len(results) == 0 {
		return models.Locality{}, ErrNoResult
	}
	loc := fromComponents(results[0].AddressComponents)
	if loc.IsZero() {
		return models.Locality{}, ErrNoResult
	}
	return loc, nil
}

func fromComponents(components []maps.AddressComponent) models.Locality {
	var loc models.Locality
	var postalTown string
	for _, c := range components {
		for _, t := range c.Types {
			switch t {
			case "postal_code":
				loc.PostalCode = c.LongName
			case "locality":
				loc.Town = c.LongName
			case "postal_town":
				postalTown = c.LongName
			}
		}
	}
	if loc.Town == "" {
		loc.Town = postalTown
	}
	return loc
}
