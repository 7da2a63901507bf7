// Package ledger owns cab availability and the trip state machine. Every
// mutation of a cab or trip goes through Service; the geo index and the live
// feed are kept in step as side effects.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
)

const DefaultDepartureThresholdKm = 0.05

// Publisher receives every accepted position report.
type Publisher interface {
	Publish(ev models.PositionEvent)
}

type Config struct {
	// DepartureThresholdKm is how far a cab must move from where it was
	// booked before its trip counts as in progress.
	DepartureThresholdKm float64
	Now                  func() time.Time
}

type Service struct {
	store     Store
	geo       geo.Geo
	feed      Publisher
	logger    *slog.Logger
	departure float64
	now       func() time.Time
}

func NewService(store Store, g geo.Geo, feed Publisher, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DepartureThresholdKm <= 0 {
		cfg.DepartureThresholdKm = DefaultDepartureThresholdKm
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, geo: g, feed: feed, logger: logger, departure: cfg.DepartureThresholdKm, now: cfg.Now}
}

type RegisterCabCommand struct {
	Name     string
	Phone    string
	Email    string
	Position models.Position
	Locality models.Locality
}

type ReserveCommand struct {
	CabID   string
	RiderID string
	Pickup  models.Position
	// Destination is required; nil is rejected as a validation error.
	Destination *models.Position
}

func (s *Service) RegisterCab(ctx context.Context, cmd RegisterCabCommand) (models.Cab, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return models.Cab{}, apperr.Validationf("cab name is required")
	}
	if !cmd.Position.Valid() {
		return models.Cab{}, apperr.Validationf("cab position %s is not a valid coordinate", cmd.Position)
	}
	c := models.Cab{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(cmd.Name),
		Phone:        cmd.Phone,
		Email:        cmd.Email,
		Position:     cmd.Position,
		Locality:     cmd.Locality,
		Availability: models.Available,
		Version:      1,
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.store.InsertCab(ctx, c); err != nil {
		return models.Cab{}, apperr.Wrap(apperr.Internal, "register cab", err)
	}
	s.index(ctx, c)
	observability.CabsAvailable.Inc()
	s.logger.Info("cab registered", "cab_id", c.ID, "town", c.Locality.Town)
	return c, nil
}

// Reserve books an available cab for a rider. The availability check and the
// booking happen in one store step, so concurrent callers get exactly one winner.
func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (models.Trip, error) {
	if cmd.CabID == "" {
		return models.Trip{}, apperr.Validationf("cab id is required")
	}
	if cmd.RiderID == "" {
		return models.Trip{}, apperr.Validationf("rider id is required")
	}
	if !cmd.Pickup.Valid() {
		return models.Trip{}, apperr.Validationf("pickup %s is not a valid coordinate", cmd.Pickup)
	}
	if cmd.Destination == nil {
		return models.Trip{}, apperr.Validationf("destination is required")
	}
	if !cmd.Destination.Valid() {
		return models.Trip{}, apperr.Validationf("destination %s is not a valid coordinate", *cmd.Destination)
	}

	trip := models.Trip{
		ID:          uuid.NewString(),
		CabID:       cmd.CabID,
		RiderID:     cmd.RiderID,
		Pickup:      cmd.Pickup,
		Destination: *cmd.Destination,
		Status:      models.TripBooked,
		CreatedAt:   s.now().UTC(),
	}
	trip, cab, err := s.store.Reserve(ctx, trip)
	if err != nil {
		observability.BookingsTotal.WithLabelValues("reserve", resultLabel(err)).Inc()
		return models.Trip{}, storeErr("reserve", err)
	}
	s.index(ctx, cab)
	observability.BookingsTotal.WithLabelValues("reserve", "ok").Inc()
	observability.CabsAvailable.Dec()
	s.logger.Info("cab reserved", "trip_id", trip.ID, "cab_id", cab.ID, "rider_id", trip.RiderID)
	return trip, nil
}

// Cancel releases a trip that has not started yet.
func (s *Service) Cancel(ctx context.Context, tripID string) (models.Trip, error) {
	trip, cab, err := s.store.FinishTrip(ctx, tripID, []models.TripStatus{models.TripBooked}, models.TripCancelled, nil, s.now().UTC())
	if errors.Is(err, errWrongState) {
		err = ErrTripNotCancellable
	}
	if err != nil {
		observability.BookingsTotal.WithLabelValues("cancel", resultLabel(err)).Inc()
		return models.Trip{}, storeErr("cancel", err)
	}
	s.released(ctx, "cancel", trip, cab)
	return trip, nil
}

// EndTrip completes an active trip. The cab is left at final, or at the
// trip's destination when final is nil, and becomes available again.
func (s *Service) EndTrip(ctx context.Context, tripID string, final *models.Position) (models.Trip, error) {
	if final != nil && !final.Valid() {
		return models.Trip{}, apperr.Validationf("final position %s is not a valid coordinate", *final)
	}
	if final == nil {
		t, err := s.store.GetTrip(ctx, tripID)
		if err != nil {
			return models.Trip{}, storeErr("end trip", err)
		}
		dest := t.Destination
		final = &dest
	}
	trip, cab, err := s.store.FinishTrip(ctx, tripID,
		[]models.TripStatus{models.TripBooked, models.TripInProgress}, models.TripCompleted, final, s.now().UTC())
	if errors.Is(err, errWrongState) {
		err = ErrTripAlreadyTerminal
	}
	if err != nil {
		observability.BookingsTotal.WithLabelValues("end", resultLabel(err)).Inc()
		return models.Trip{}, storeErr("end trip", err)
	}
	s.released(ctx, "end", trip, cab)
	return trip, nil
}

func (s *Service) released(ctx context.Context, op string, trip models.Trip, cab models.Cab) {
	if cab.ID != "" {
		s.index(ctx, cab)
		if cab.Availability == models.Available {
			observability.CabsAvailable.Inc()
		}
	}
	observability.BookingsTotal.WithLabelValues(op, "ok").Inc()
	s.logger.Info("trip finished", "trip_id", trip.ID, "cab_id", trip.CabID, "status", string(trip.Status))
}

// UpdatePosition records a cab's position whatever its trip state, publishes
// it on the feed, and marks a booked trip in progress once the cab has left
// the spot where it was booked.
func (s *Service) UpdatePosition(ctx context.Context, cabID string, p models.Position) (models.Cab, error) {
	if !p.Valid() {
		return models.Cab{}, apperr.Validationf("position %s is not a valid coordinate", p)
	}
	at := s.now().UTC()
	cab, err := s.store.UpdatePosition(ctx, cabID, p, at)
	if err != nil {
		return models.Cab{}, storeErr("update position", err)
	}
	s.index(ctx, cab)
	observability.PositionUpdates.Inc()
	if s.feed != nil {
		s.feed.Publish(models.PositionEvent{CabID: cab.ID, Position: p, At: at})
	}
	if cab.ActiveTripID != "" {
		s.maybeStart(ctx, cab.ActiveTripID, p, at)
	}
	return cab, nil
}

// the report is already accepted; failures here only delay the promotion
func (s *Service) maybeStart(ctx context.Context, tripID string, p models.Position, at time.Time) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		s.logger.Warn("load active trip failed", "trip_id", tripID, "error", err)
		return
	}
	if trip.Status != models.TripBooked || geo.Haversine(trip.CabStart, p) < s.departure {
		return
	}
	if _, ok, err := s.store.StartTrip(ctx, tripID, at); err != nil {
		s.logger.Warn("start trip failed", "trip_id", tripID, "error", err)
	} else if ok {
		observability.BookingsTotal.WithLabelValues("start", "ok").Inc()
		s.logger.Info("trip started", "trip_id", tripID, "cab_id", trip.CabID)
	}
}

func (s *Service) GetCab(ctx context.Context, id string) (models.Cab, error) {
	c, err := s.store.GetCab(ctx, id)
	return c, storeErr("get cab", err)
}

func (s *Service) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := s.store.GetTrip(ctx, id)
	return t, storeErr("get trip", err)
}

func (s *Service) ListCabs(ctx context.Context, filter models.AvailabilityFilter) ([]models.Cab, error) {
	cabs, err := s.store.ListCabs(ctx, filter)
	return cabs, storeErr("list cabs", err)
}

func (s *Service) ActiveTripForRider(ctx context.Context, riderID string) (models.Trip, error) {
	t, err := s.store.ActiveTripForRider(ctx, riderID)
	return t, storeErr("active trip", err)
}

// SyncIndex loads every stored cab into the geo index. Run it at startup when
// the store outlives the process.
func (s *Service) SyncIndex(ctx context.Context) (int, error) {
	cabs, err := s.store.ListCabs(ctx, models.FilterAny)
	if err != nil {
		return 0, storeErr("sync index", err)
	}
	available := 0
	for _, c := range cabs {
		s.index(ctx, c)
		if c.Availability == models.Available {
			available++
		}
	}
	observability.CabsAvailable.Set(float64(available))
	return len(cabs), nil
}

func (s *Service) index(ctx context.Context, c models.Cab) {
	s.geo.Upsert(ctx, geo.Entry{ID: c.ID, Position: c.Position, Availability: c.Availability, Locality: c.Locality, Version: c.Version})
}

// storeErr keeps ledger sentinels as they are and marks anything else internal.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.Internal, op, err)
}

func resultLabel(err error) string {
	return apperr.KindOf(err).String()
}
