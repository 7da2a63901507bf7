package locality

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
)

const breakerName = "geocoder"

// Guarded bounds every geocode with a timeout and trips a circuit breaker when
// the upstream keeps failing, so an outage costs one fast error per query.
type Guarded struct {
	next    Resolver
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[models.Locality]
	logger  *slog.Logger
}

func NewGuarded(next Resolver, timeout time.Duration, logger *slog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guarded{next: next, timeout: timeout, logger: logger}
	observability.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	g.cb = gobreaker.NewCircuitBreaker[models.Locality](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a point with no locality is an answer, not an upstream failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoResult)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			observability.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return g
}

func (g *Guarded) Resolve(ctx context.Context, p models.Position) (models.Locality, error) {
	loc, err := g.cb.Execute(func() (models.Locality, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.next.Resolve(cctx, p)
	})
	switch {
	case err == nil:
		observability.GeocodeRequests.WithLabelValues("ok").Inc()
		return loc, nil
	case errors.Is(err, ErrNoResult):
		observability.GeocodeRequests.WithLabelValues("no_result").Inc()
		return models.Locality{}, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.GeocodeRequests.WithLabelValues("rejected").Inc()
		return models.Locality{}, apperr.Wrap(apperr.UpstreamUnavailable, "geocode", err)
	default:
		observability.GeocodeRequests.WithLabelValues("error").Inc()
		g.logger.Debug("geocode failed", "point", p.String(), "error", err)
		if apperr.KindOf(err) == apperr.UpstreamUnavailable {
			return models.Locality{}, err
		}
		return models.Locality{}, apperr.Wrap(apperr.UpstreamUnavailable, "geocode", err)
	}
}

// State exposes the breaker state for readiness reporting.
func (g *Guarded) State() gobreaker.State { return g.cb.State() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
