package ledger

import (
	"errors"

	"github.com/example/cab-dispatch/internal/apperr"
)

var (
	ErrCabNotFound         = apperr.New(apperr.NotFound, "cab not found")
	ErrTripNotFound        = apperr.New(apperr.NotFound, "trip not found")
	ErrCabUnavailable      = apperr.New(apperr.Conflict, "cab is not available")
	ErrTripNotCancellable  = apperr.New(apperr.Conflict, "trip can only be cancelled while booked")
	ErrTripAlreadyTerminal = apperr.New(apperr.Conflict, "trip has already ended")
)

// errWrongState is returned by stores when a trip exists but is not in any of
// the statuses a transition expects. The service maps it per operation.
var errWrongState = errors.New("trip not in expected state")
