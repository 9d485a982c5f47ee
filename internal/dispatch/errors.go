package dispatch

import (
	"errors"

	"scooproute/internal/store"
)

var (
	// ErrRouteCompleted rejects any reordering of a finished route. The store
	// enforces it at write time.
	ErrRouteCompleted = store.ErrRouteCompleted
	// ErrRouteInProgress rejects deleting a route a crew is working.
	ErrRouteInProgress = store.ErrRouteInProgress
	// ErrInvalidTransition is a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a bad request field. Nothing was written.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }
