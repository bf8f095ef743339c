package store

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique code (ticket or join code) is already taken.
	ErrConflict = errors.New("conflict")
)
