package httpapi

import (
	"net/http"
	"strconv"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/validation"
)

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"displayName" validate:"max=80"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	Token   string      `json:"token"`
	IsAdmin bool        `json:"isAdmin"`
	User    models.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sess, err := s.auth.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: sess.Token, IsAdmin: sess.User.IsAdmin, User: sess.User})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sess, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: sess.Token, IsAdmin: sess.User.IsAdmin, User: sess.User})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, u)
}

type geocodeQuery struct {
	Lat float64 `validate:"latitude"`
	Lng float64 `validate:"longitude"`
}

// handleGeocode resolves a coordinate to its town and postal code.
func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	if s.localities == nil {
		writeError(w, http.StatusServiceUnavailable, "geocoding is not configured")
		return
	}
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeAppError(w, r, apperr.Validationf("lat and lng query parameters must be numbers"))
		return
	}
	if err := validation.Struct(geocodeQuery{Lat: lat, Lng: lng}); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	loc, err := s.localities.Resolve(r.Context(), models.Position{Lat: lat, Lng: lng})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}
