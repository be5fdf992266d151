package domain

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrValidation is returned for malformed input.
	ErrValidation = goerr.New("validation error")

	// ErrNotFound is returned for unknown or expired sessions and jobs.
	ErrNotFound = goerr.New("not found")
)
