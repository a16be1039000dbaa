package models

import "errors"

var (
	// ErrValidation marks a malformed inbound request.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a thread or job id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write's expected version is stale.
	ErrConflict = errors.New("version conflict")
)
