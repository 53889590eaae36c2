package repository

import "errors"

// Common repository errors
var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateConnection is returned when a write would give a user two
	// connections to the same external account
	ErrDuplicateConnection = errors.New("connection for this external account already exists")
)
