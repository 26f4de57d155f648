// Package uuidv7 issues the time-ordered identifiers that name host
// instances in logs and traces.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value or panics if the entropy source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a UUIDv7 in canonical string form.
func NewString() string {
	return New().String()
}
