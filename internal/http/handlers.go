package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/eta"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/ledger"
	"github.com/example/cab-dispatch/internal/matcher"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/validation"
)

// bookAttempts bounds how many ranked candidates a best-cab booking tries
// when it keeps losing races.
const bookAttempts = 3

type nearestRequest struct {
	Pickup   []float64 `json:"pickup" validate:"required,lnglat"`
	RadiusKm float64   `json:"radiusKm" validate:"gte=0,lte=500"`
}

type bookRequest struct {
	Pickup      []float64 `json:"pickup" validate:"required,lnglat"`
	Destination []float64 `json:"destination" validate:"required,lnglat"`
}

type bookResponse struct {
	TripID string      `json:"tripId"`
	Trip   models.Trip `json:"trip"`
	Cab    models.Cab  `json:"cab"`
	ETA    float64     `json:"eta"`
}

type ackResponse struct {
	Ack  bool         `json:"ack"`
	Trip *models.Trip `json:"trip,omitempty"`
}

type locationRequest struct {
	CabID    string    `json:"cabId" validate:"required"`
	Position []float64 `json:"position" validate:"required,lnglat"`
}

type tripRequest struct {
	TripID string `json:"tripId" validate:"required"`
}

type endTripRequest struct {
	TripID        string    `json:"tripId" validate:"required"`
	FinalPosition []float64 `json:"finalPosition" validate:"omitempty,lnglat"`
}

type registerCabRequest struct {
	Name       string    `json:"name" validate:"required,max=120"`
	Phone      string    `json:"phone" validate:"max=32"`
	Email      string    `json:"email" validate:"omitempty,email"`
	Position   []float64 `json:"position" validate:"required,lnglat"`
	Town       string    `json:"town"`
	PostalCode string    `json:"postalCode"`
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	var req nearestRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	radius := req.RadiusKm
	if radius == 0 {
		radius = s.opts.SearchRadiusKm
	}
	cands, err := s.matcher.FindCandidates(r.Context(), validation.ToPosition(req.Pickup), radius)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if len(cands) == 0 {
		s.writeAppError(w, r, matcher.ErrNoCabs)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

// handleBookBest books the nearest eligible cab. A candidate taken by a
// concurrent booking is skipped in favour of the next one.
func (s *Server) handleBookBest(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	rider, _ := userFromContext(r.Context())
	pickup := validation.ToPosition(req.Pickup)

	cands, err := s.matcher.FindCandidates(r.Context(), pickup, s.opts.SearchRadiusKm)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if len(cands) == 0 {
		s.writeAppError(w, r, matcher.ErrNoCabs)
		return
	}
	var lastErr error
	for i, c := range cands {
		if i == bookAttempts {
			break
		}
		trip, err := s.ledger.Reserve(r.Context(), ledger.ReserveCommand{
			CabID:       c.CabID,
			RiderID:     rider.ID,
			Pickup:      pickup,
			Destination: validation.PositionPtr(req.Destination),
		})
		if apperr.KindOf(err) == apperr.Conflict {
			lastErr = err
			continue
		}
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.writeBooking(w, r, trip, c.ETAMinutes)
		return
	}
	s.writeAppError(w, r, lastErr)
}

func (s *Server) handleBookCab(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	rider, _ := userFromContext(r.Context())
	pickup := validation.ToPosition(req.Pickup)
	trip, err := s.ledger.Reserve(r.Context(), ledger.ReserveCommand{
		CabID:       mux.Vars(r)["cabId"],
		RiderID:     rider.ID,
		Pickup:      pickup,
		Destination: validation.PositionPtr(req.Destination),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeBooking(w, r, trip, eta.Minutes(geo.Haversine(trip.CabStart, pickup), s.matcher.SpeedKmh))
}

func (s *Server) writeBooking(w http.ResponseWriter, r *http.Request, trip models.Trip, etaMinutes float64) {
	cab, err := s.ledger.GetCab(r.Context(), trip.CabID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookResponse{TripID: trip.ID, Trip: trip, Cab: cab, ETA: etaMinutes})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if _, err := s.ledger.UpdatePosition(r.Context(), req.CabID, validation.ToPosition(req.Position)); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Ack: true})
}

func (s *Server) handleAvailableCabs(w http.ResponseWriter, r *http.Request) {
	cabs, err := s.ledger.ListCabs(r.Context(), models.FilterAvailable)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if cabs == nil {
		cabs = []models.Cab{}
	}
	writeJSON(w, http.StatusOK, cabs)
}

func (s *Server) handleGetCab(w http.ResponseWriter, r *http.Request) {
	cab, err := s.ledger.GetCab(r.Context(), mux.Vars(r)["cabId"])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cab)
}

// handleRegisterCab adds a cab to the fleet. A missing locality is looked up
// from the position when a geocoder is configured; lookup failures leave it empty.
func (s *Server) handleRegisterCab(w http.ResponseWriter, r *http.Request) {
	var req registerCabRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	pos := validation.ToPosition(req.Position)
	loc := models.Locality{Town: req.Town, PostalCode: req.PostalCode}
	if loc.IsZero() && s.localities != nil {
		if resolved, err := s.localities.Resolve(r.Context(), pos); err == nil {
			loc = resolved
		} else {
			s.logger.Warn("cab locality lookup failed", "position", pos.String(), "error", err)
		}
	}
	cab, err := s.ledger.RegisterCab(r.Context(), ledger.RegisterCabCommand{
		Name:     req.Name,
		Phone:    req.Phone,
		Email:    req.Email,
		Position: pos,
		Locality: loc,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cab)
}

// handleCancel cancels a booked trip. Riders may only cancel their own trips.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !s.ownsTrip(w, r, req.TripID) {
		return
	}
	trip, err := s.ledger.Cancel(r.Context(), req.TripID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Ack: true, Trip: &trip})
}

// handleEndTrip completes a trip on behalf of its rider or an admin.
func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	var req endTripRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !s.ownsTrip(w, r, req.TripID) {
		return
	}
	trip, err := s.ledger.EndTrip(r.Context(), req.TripID, validation.PositionPtr(req.FinalPosition))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Ack: true, Trip: &trip})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tripId"]
	if !s.ownsTrip(w, r, id) {
		return
	}
	trip, err := s.ledger.GetTrip(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleActiveTrip(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	trip, err := s.ledger.ActiveTripForRider(r.Context(), u.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// ownsTrip writes an error response and returns false unless the caller is
// the trip's rider or an admin.
func (s *Server) ownsTrip(w http.ResponseWriter, r *http.Request, tripID string) bool {
	u, _ := userFromContext(r.Context())
	trip, err := s.ledger.GetTrip(r.Context(), tripID)
	if err != nil {
		s.writeAppError(w, r, err)
		return false
	}
	if trip.RiderID != u.ID && !u.IsAdmin {
		writeError(w, http.StatusForbidden, "trip belongs to another rider")
		return false
	}
	return true
}
