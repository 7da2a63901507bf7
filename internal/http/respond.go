package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/auth"
	"github.com/example/cab-dispatch/internal/ledger"
	"github.com/example/cab-dispatch/internal/validation"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeAppError maps service errors to HTTP statuses. A handful of sentinels
// get their own status; everything else goes by kind.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, ledger.ErrTripNotCancellable):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	default:
		status = statusForKind(apperr.KindOf(err))
	}
	kind := apperr.KindOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	msg := err.Error()
	if kind == apperr.Internal {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: kind.String()})
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.UpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Wrap(apperr.Validation, "read body", err)
	}
	if len(body) == 0 {
		return apperr.Validationf("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Validationf("malformed JSON: %v", err)
	}
	return validation.Struct(dst)
}
