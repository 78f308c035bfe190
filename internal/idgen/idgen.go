// Package idgen generates time-ordered identifiers for queue tasks and
// correlation ids.
package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}
