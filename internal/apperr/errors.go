// Package apperr holds the sentinel errors shared across layers.
package apperr

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrNotInitialized = errors.New("server not initialized")
	ErrConfig         = errors.New("invalid configuration")
)
