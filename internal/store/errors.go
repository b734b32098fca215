package store

import "errors"

// Common errors for store operations.
var (
	ErrInvalidConfig    = errors.New("invalid store configuration")
	ErrInvalidDriver    = errors.New("invalid store driver")
	ErrVersionConflict  = errors.New("session version conflict")
	ErrNotFound         = errors.New("session not found")
	ErrDuplicateSession = errors.New("session already exists")
	ErrOrdinalGap       = errors.New("turn ordinal is not the next in sequence")
)
