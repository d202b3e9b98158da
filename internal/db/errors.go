package db

import (
	"errors"
	"strings"
)

// Sentinel errors for type-safe error checking
// Use errors.Is() instead of string comparison
var (
	// User errors
	ErrUserNotFound = errors.New("user not found")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")

	// Event log errors
	ErrDuplicateEvent = errors.New("duplicate event id")

	// Pair session errors
	ErrNoOpenPairSession   = errors.New("no open pair session for token")
	ErrPairSessionNotFound = errors.New("pair session not found")
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation
func isUniqueViolation(err error) bool {
	// PostgreSQL error code 23505 = unique_violation
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}
