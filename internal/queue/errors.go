package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/Swaathy05/new-queue-hack/internal/store"
)

var (
	ErrNoCapacity         = errors.New("no active station")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrConflict           = errors.New("conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// storageError converts store failures into the queue taxonomy. Errors that
// already carry a queue kind pass through untouched.
func storageError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNoCapacity, ErrNotFound, ErrUnauthorized, ErrInvalidTransition, ErrConflict, ErrStorageUnavailable, ErrInvalidArgument} {
		if errors.Is(err, kind) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	what := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s", ErrConflict, what)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, what, err)
	}
}
